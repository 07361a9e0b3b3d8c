package voice

// Snapshot is the observable state of a session. Seq increases with every
// published snapshot so receivers can drop ones that arrive out of order.
type Snapshot struct {
	Seq          uint64 `json:"seq"`
	State        State  `json:"state"`
	IsListening  bool   `json:"isListening"`
	IsProcessing bool   `json:"isProcessing"`
	IsSpeaking   bool   `json:"isSpeaking"`
	IsSupported  bool   `json:"isSupported"`
	TurnID       string `json:"turnId,omitempty"`
	Interim      string `json:"interim,omitempty"`
	Transcript   string `json:"transcript,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Control is the render model of the microphone button.
type Control struct {
	Visible  bool   `json:"visible"`
	Disabled bool   `json:"disabled"`
	Label    string `json:"label"`
	Icon     string `json:"icon"`
	Style    string `json:"style"`
}

// Control derives the button render model. Toggle while Disabled is rejected.
func (s Snapshot) Control() Control {
	c := Control{
		Visible:  s.IsSupported,
		Disabled: s.IsProcessing,
		Label:    "Start voice input",
		Icon:     "mic-off",
		Style:    "idle",
	}
	if s.IsListening {
		c.Label = "Stop listening"
	}

	switch {
	case s.IsProcessing:
		c.Icon = "spinner"
	case s.IsListening:
		c.Icon = "mic"
	}

	switch {
	case s.IsListening:
		c.Style = "listening"
	case s.IsSpeaking:
		c.Style = "speaking"
	}
	return c
}
