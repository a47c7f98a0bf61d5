package entities

// Word is a provider-native recognition unit. It is never persisted.
type Word struct {
	Word           string  `json:"word"`
	PunctuatedWord string  `json:"punctuated_word,omitempty"`
	Speaker        *int    `json:"speaker,omitempty"`
	Start          float64 `json:"start"`
	End            float64 `json:"end"`
	Confidence     float64 `json:"confidence"`
}

// Utterance is a run of consecutive words spoken by one provider speaker.
type Utterance struct {
	Speaker    int
	Text       string
	Start      float64
	End        float64
	Confidence float64
}

// SpeakerIndex returns the provider speaker, defaulting to 0 when absent.
func (w Word) SpeakerIndex() int {
	if w.Speaker == nil {
		return 0
	}
	return *w.Speaker
}

// DisplayText prefers the punctuated form of the word.
func (w Word) DisplayText() string {
	if w.PunctuatedWord != "" {
		return w.PunctuatedWord
	}
	return w.Word
}

// GroupWordsBySpeaker merges consecutive words of the same speaker into
// utterances. Confidence is folded pairwise as (previous + next) / 2, which
// weights later words more heavily than a true mean would; clients compare
// against values produced this way.
func GroupWordsBySpeaker(words []Word) []Utterance {
	if len(words) == 0 {
		return []Utterance{}
	}

	utterances := make([]Utterance, 0, 1)
	var current *Utterance

	for _, word := range words {
		speaker := word.SpeakerIndex()
		text := word.DisplayText()

		if current == nil || current.Speaker != speaker {
			if current != nil {
				utterances = append(utterances, *current)
			}
			current = &Utterance{
				Speaker:    speaker,
				Text:       text,
				Start:      word.Start,
				End:        word.End,
				Confidence: word.Confidence,
			}
			continue
		}

		current.Text += " " + text
		current.End = word.End
		current.Confidence = (current.Confidence + word.Confidence) / 2
	}

	return append(utterances, *current)
}
