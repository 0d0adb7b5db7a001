package correlate

import (
	"fmt"
	"strings"

	"github.com/airbandlabs/airband-core/internal/protocol"
)

// Transmission is one transcript summarized for the analysis prompt.
type Transmission struct {
	Channel   string
	Frequency string
	Text      string
}

// buildPrompt renders the analyst prompt from current radar contacts and the
// recent transmission window. The response contract is plain JSON so the
// model output can be parsed without tool-call support.
func buildPrompt(contacts []protocol.ADSBContact, transmissions []Transmission) string {
	var b strings.Builder
	b.WriteString(`You are an aviation ATC analyst. Analyze the following ADS-B radar contacts and ATC radio transmissions to identify correlations.

IMPORTANT TASKS:
1. Match each transmission to an aircraft in the ADS-B data if possible
2. Flag transmissions that reference aircraft NOT in ADS-B data (NON_TRANSPONDER)
3. Flag any military callsigns (MILITARY) - patterns: REACH, VIPER, EAGLE, HAMMER, KING, RESCUE, RCH
4. Handle partial callsigns (e.g., "Bravo 4" might match "N654B4")
5. Handle garbled/unclear transcriptions appropriately

CURRENT ADS-B CONTACTS:
`)
	b.WriteString(formatContacts(contacts))
	b.WriteString("\n\nRECENT ATC TRANSMISSIONS:\n")
	b.WriteString(formatTransmissions(transmissions))
	b.WriteString(`

For each transmission, provide:
1. matched_icao: The ICAO hex code if found, or "NO_MATCH" if aircraft not in ADS-B data, or "UNCLEAR" if transmission is garbled
2. confidence: Float 0.0-1.0
3. reasoning: Brief explanation of your matching logic
4. flags: Array containing any of: "MILITARY", "NON_TRANSPONDER", "GARBLED", "PARTIAL_MATCH"

Respond ONLY with valid JSON in this exact format:
{
  "correlations": [
    {
      "transmission_id": <index number>,
      "matched_icao": "<ICAO or NO_MATCH or UNCLEAR>",
      "matched_callsign": "<callsign if matched>",
      "confidence": <float>,
      "reasoning": "<explanation>",
      "flags": ["<flag>"]
    }
  ],
  "alerts": [
    {
      "type": "<MILITARY|NON_TRANSPONDER|UNKNOWN_TRAFFIC>",
      "details": "<description>",
      "severity": "<HIGH|MEDIUM|LOW>"
    }
  ],
  "summary": "<brief overall assessment>"
}`)
	return b.String()
}

func formatContacts(contacts []protocol.ADSBContact) string {
	if len(contacts) == 0 {
		return "(no ADS-B contacts)"
	}
	lines := make([]string, 0, len(contacts))
	for _, c := range contacts {
		callsign := c.Callsign
		if callsign == "" {
			callsign = "NO_CALLSIGN"
		}
		squawk := c.Squawk
		if squawk == "" {
			squawk = "----"
		}
		lines = append(lines, fmt.Sprintf("ICAO:%s CALLSIGN:%-10s ALT:%5dft HDG:%03d° SPD:%3dkt SQUAWK:%s",
			strings.ToUpper(c.ICAO), callsign, c.Altitude, c.Heading, c.Speed, squawk))
	}
	return strings.Join(lines, "\n")
}

func formatTransmissions(transmissions []Transmission) string {
	if len(transmissions) == 0 {
		return "(no recent transmissions)"
	}
	lines := make([]string, 0, len(transmissions))
	for i, tx := range transmissions {
		lines = append(lines, fmt.Sprintf("[%d] [%s %sMHz] %s", i, tx.Channel, tx.Frequency, tx.Text))
	}
	return strings.Join(lines, "\n")
}
