//go:build tinygo || wasm

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/airbandlabs/airband-core/plugins/examples/internal/host"
)

type transcript struct {
	Channel    string  `json:"channel"`
	Frequency  string  `json:"frequency,omitempty"`
	Text       string  `json:"text"`
	Timestamp  string  `json:"timestamp"`
	Confidence float64 `json:"confidence,omitempty"`
}

type alert struct {
	Channel  string `json:"channel"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Callsign string `json:"callsign,omitempty"`
}

// Callsign prefixes commonly used by military flights in US airspace.
var militaryPrefixes = []string{
	"REACH", "EVAC", "SNTRY", "DOOM", "NAVY", "ARMY", "PAT ", "RCH",
}

//export handle_event
func handleEvent() {
	subject := os.Getenv("AIRBAND_EVENT_SUBJECT")
	payload := os.Getenv("AIRBAND_EVENT_PAYLOAD")

	if !strings.HasPrefix(subject, "transcript.final.") {
		host.Log("unrecognized subject: " + subject)
		return
	}
	if payload == "" {
		host.Log("missing transcript payload")
		return
	}

	var t transcript
	if err := json.Unmarshal([]byte(payload), &t); err != nil {
		host.Log("failed to decode transcript: " + err.Error())
		return
	}

	upper := strings.ToUpper(t.Text)
	for _, prefix := range militaryPrefixes {
		idx := strings.Index(upper, prefix)
		if idx < 0 {
			continue
		}
		raise(t, strings.TrimSpace(prefix))
		return
	}
}

func raise(t transcript, callsign string) {
	a := alert{
		Channel:  t.Channel,
		Severity: "info",
		Message:  fmt.Sprintf("military callsign %s heard on %s", callsign, t.Channel),
		Callsign: callsign,
	}
	data, err := json.Marshal(a)
	if err != nil {
		host.Log("failed to encode alert: " + err.Error())
		return
	}
	if !host.Publish("analysis.alert", data) {
		host.Log("alert publish rejected by host")
	}
}

func main() {}
