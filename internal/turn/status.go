package turn

import "github.com/loqalabs/loqa-voice/internal/language"

type StatusKey string

const (
	StatusClickToStart       StatusKey = "clickToStart"
	StatusReady              StatusKey = "ready"
	StatusListening          StatusKey = "listening"
	StatusProcessing         StatusKey = "processing"
	StatusSpeaking           StatusKey = "speaking"
	StatusConnected          StatusKey = "connected"
	StatusDisconnected       StatusKey = "disconnected"
	StatusConnectionLost     StatusKey = "connectionLost"
	StatusConnectionError    StatusKey = "connectionError"
	StatusConnectionFailed   StatusKey = "connectionFailed"
	StatusNotConnected       StatusKey = "notConnected"
	StatusSpeechError        StatusKey = "speechError"
	StatusMicError           StatusKey = "micError"
	StatusSpeechNotSupported StatusKey = "speechNotSupported"
	StatusServerError        StatusKey = "serverError"
)

// Status is what the UI shows next to the mic button. Detail carries the
// server message for StatusServerError.
type Status struct {
	Key    StatusKey
	Detail string
}

var statusTexts = map[language.Tag]map[StatusKey]string{
	language.English: {
		StatusClickToStart:       "Click to start talking",
		StatusReady:              "Ready to talk",
		StatusListening:          "Listening...",
		StatusProcessing:         "Processing...",
		StatusSpeaking:           "Rev is speaking...",
		StatusConnected:          "Connected",
		StatusDisconnected:       "Disconnected",
		StatusConnectionLost:     "Connection lost - reconnecting",
		StatusConnectionError:    "Connection error",
		StatusConnectionFailed:   "Connection failed",
		StatusNotConnected:       "Not connected - waiting for server",
		StatusSpeechError:        "Speech recognition error - try again",
		StatusMicError:           "Microphone error - check permissions",
		StatusSpeechNotSupported: "Speech recognition not supported",
		StatusServerError:        "Error",
	},
	language.Hindi: {
		StatusClickToStart:       "बात करना शुरू करने के लिए क्लिक करें",
		StatusReady:              "बात करने के लिए तैयार",
		StatusListening:          "सुन रहा हूँ...",
		StatusProcessing:         "प्रोसेसिंग...",
		StatusSpeaking:           "Rev बोल रहा है...",
		StatusConnected:          "जुड़ा हुआ",
		StatusDisconnected:       "डिस्कनेक्ट हो गया",
		StatusConnectionLost:     "कनेक्शन खो गया - दोबारा कनेक्ट हो रहा है",
		StatusConnectionError:    "कनेक्शन एरर",
		StatusConnectionFailed:   "कनेक्शन फेल हो गया",
		StatusNotConnected:       "कनेक्ट नहीं है - सर्वर का इंतज़ार",
		StatusSpeechError:        "स्पीच रिकग्निशन एरर - दोबारा कोशिश करें",
		StatusMicError:           "माइक्रोफोन एरर - अनुमतियाँ जांचें",
		StatusSpeechNotSupported: "स्पीच रिकग्निशन सपोर्ट नहीं है",
		StatusServerError:        "एरर",
	},
}

// Text renders the status in lang, falling back to English.
func (s Status) Text(lang language.Tag) string {
	texts, ok := statusTexts[lang]
	if !ok {
		texts = statusTexts[language.Default]
	}
	text, ok := texts[s.Key]
	if !ok {
		text = statusTexts[language.Default][s.Key]
	}
	if text == "" {
		text = string(s.Key)
	}
	if s.Detail != "" {
		return text + ": " + s.Detail
	}
	return text
}

// captureStatus maps a capture error code to the status shown to the user.
func captureStatus(code string) StatusKey {
	switch code {
	case "not-allowed", "service-not-allowed", "audio-capture":
		return StatusMicError
	case "unsupported":
		return StatusSpeechNotSupported
	default:
		return StatusSpeechError
	}
}
