package base

import (
	"strconv"
	"strings"
)

// MarshalResponse serialises a response message.
//
// The status line carries "OK" for 200 and "Unauthorized" for every other
// code; AirPlay senders expect exactly these two strings. Content-Length is
// emitted only when the body is non-empty.
func (m *Message) MarshalResponse() []byte {
	statusText := "Unauthorized"
	if m.StatusCode == StatusOK {
		statusText = "OK"
	}

	var sb strings.Builder
	sb.WriteString(rtspProtocol10)
	sb.WriteString(" ")
	sb.WriteString(strconv.Itoa(int(m.StatusCode)))
	sb.WriteString(" ")
	sb.WriteString(statusText)
	sb.WriteString("\r\n")

	for _, h := range m.headers {
		sb.WriteString(h.name)
		sb.WriteString(": ")
		sb.WriteString(h.value)
		sb.WriteString("\r\n")
	}

	if len(m.Content) != 0 {
		sb.WriteString("Content-Length: ")
		sb.WriteString(strconv.Itoa(len(m.Content)))
		sb.WriteString("\r\n")
	}

	sb.WriteString("\r\n")

	buf := make([]byte, 0, sb.Len()+len(m.Content))
	buf = append(buf, sb.String()...)
	buf = append(buf, m.Content...)
	return buf
}
