package protocol

import "time"

// DefaultLanguage is reported when the backend does not say which language it heard.
const DefaultLanguage = "en"

const (
	TypeReady         = "ready"
	TypeTranscription = "transcription"
	TypeError         = "error"

	StatusConnected = "connected"
	StatusListening = "listening"
)

// Message is one line of the bridge output stream.
type Message interface {
	MessageType() string
}

// Ready announces a lifecycle milestone.
type Ready struct {
	Type   string `json:"type"`
	Status string `json:"status"`
}

func (Ready) MessageType() string { return TypeReady }

// Transcription carries a single recognizer result.
type Transcription struct {
	Type       string  `json:"type"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
	Language   string  `json:"language"`
	IsFinal    bool    `json:"is_final"`
}

func (Transcription) MessageType() string { return TypeTranscription }

// Error reports a startup failure or a backend error event.
type Error struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

func (Error) MessageType() string { return TypeError }

func Connected() Ready { return Ready{Type: TypeReady, Status: StatusConnected} }

func Listening() Ready { return Ready{Type: TypeReady, Status: StatusListening} }

// NewTranscription builds a transcription message, tolerating a partial event
// schema: a nil language becomes DefaultLanguage and a nil isFinal becomes true.
func NewTranscription(text string, confidence float64, language *string, isFinal *bool) Transcription {
	msg := Transcription{
		Type:       TypeTranscription,
		Text:       text,
		Confidence: confidence,
		Language:   DefaultLanguage,
		IsFinal:    true,
	}
	if language != nil {
		msg.Language = *language
	}
	if isFinal != nil {
		msg.IsFinal = *isFinal
	}
	return msg
}

func NewError(err error) Error {
	text := "unknown error"
	if err != nil {
		text = err.Error()
	}
	return Error{Type: TypeError, Error: text}
}

// Transcript is STT output broadcast on the bus by loqa recognizers.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
	Language   string    `json:"language,omitempty"`
}

// BusError is published by recognizers on SubjectSTTError.
type BusError struct {
	SessionID string `json:"session_id,omitempty"`
	Error     string `json:"error"`
}

// ListenControl toggles recognizer delivery on the bus.
type ListenControl struct {
	Listening bool      `json:"listening"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectSTTError          = "stt.error"
	SubjectListenControl     = "stt.control.listen"
)
