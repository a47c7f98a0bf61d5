package entities

import (
	"fmt"
	"testing"
)

func speaker(i int) *int {
	return &i
}

func TestGroupWordsBySpeaker_Empty(t *testing.T) {
	if got := GroupWordsBySpeaker(nil); len(got) != 0 {
		t.Errorf("Expected no utterances for nil input, got %d", len(got))
	}

	if got := GroupWordsBySpeaker([]Word{}); got == nil || len(got) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", got)
	}
}

func TestGroupWordsBySpeaker_SameSpeaker(t *testing.T) {
	words := []Word{
		{Word: "Hello", Speaker: speaker(0), Start: 0.0, End: 0.5, Confidence: 0.9},
		{Word: "world", Speaker: speaker(0), Start: 0.6, End: 1.0, Confidence: 0.95},
	}

	result := GroupWordsBySpeaker(words)
	if len(result) != 1 {
		t.Fatalf("Expected 1 utterance, got %d", len(result))
	}

	if result[0].Speaker != 0 {
		t.Errorf("Expected speaker 0, got %d", result[0].Speaker)
	}
	if result[0].Text != "Hello world" {
		t.Errorf("Expected text 'Hello world', got '%s'", result[0].Text)
	}
	if result[0].Start != 0.0 || result[0].End != 1.0 {
		t.Errorf("Expected span 0.0-1.0, got %v-%v", result[0].Start, result[0].End)
	}
}

func TestGroupWordsBySpeaker_SplitsOnSpeakerChange(t *testing.T) {
	words := []Word{
		{Word: "Hello", Speaker: speaker(0), Start: 0.0, End: 0.5, Confidence: 0.9},
		{Word: "Hi", Speaker: speaker(1), Start: 1.0, End: 1.3, Confidence: 0.88},
		{Word: "there", Speaker: speaker(1), Start: 1.4, End: 1.8, Confidence: 0.92},
	}

	result := GroupWordsBySpeaker(words)
	if len(result) != 2 {
		t.Fatalf("Expected 2 utterances, got %d", len(result))
	}

	if result[0].Speaker != 0 || result[0].Text != "Hello" {
		t.Errorf("Unexpected first utterance: %+v", result[0])
	}
	if result[1].Speaker != 1 || result[1].Text != "Hi there" {
		t.Errorf("Unexpected second utterance: %+v", result[1])
	}
	if result[1].Start != 1.0 || result[1].End != 1.8 {
		t.Errorf("Expected span 1.0-1.8, got %v-%v", result[1].Start, result[1].End)
	}
}

func TestGroupWordsBySpeaker_ReturningSpeaker(t *testing.T) {
	words := []Word{
		{Word: "A", Speaker: speaker(0), Start: 0, End: 0.5, Confidence: 0.9},
		{Word: "B", Speaker: speaker(1), Start: 1, End: 1.5, Confidence: 0.9},
		{Word: "C", Speaker: speaker(0), Start: 2, End: 2.5, Confidence: 0.9},
	}

	result := GroupWordsBySpeaker(words)
	if len(result) != 3 {
		t.Fatalf("Expected 3 utterances, got %d", len(result))
	}

	for i, want := range []int{0, 1, 0} {
		if result[i].Speaker != want {
			t.Errorf("utterance %d: expected speaker %d, got %d", i, want, result[i].Speaker)
		}
	}
}

func TestGroupWordsBySpeaker_PrefersPunctuatedWord(t *testing.T) {
	words := []Word{
		{Word: "hello", PunctuatedWord: "Hello,", Speaker: speaker(0), Start: 0, End: 0.5, Confidence: 0.9},
		{Word: "world", PunctuatedWord: "world.", Speaker: speaker(0), Start: 0.6, End: 1, Confidence: 0.95},
	}

	result := GroupWordsBySpeaker(words)
	if result[0].Text != "Hello, world." {
		t.Errorf("Expected 'Hello, world.', got '%s'", result[0].Text)
	}
}

func TestGroupWordsBySpeaker_MissingSpeakerDefaultsToZero(t *testing.T) {
	result := GroupWordsBySpeaker([]Word{{Word: "test", Start: 0, End: 0.5, Confidence: 0.9}})

	if len(result) != 1 || result[0].Speaker != 0 {
		t.Errorf("Expected a single utterance for speaker 0, got %+v", result)
	}
}

func TestGroupWordsBySpeaker_MissingSpeakerMergesWithZero(t *testing.T) {
	words := []Word{
		{Word: "one", Start: 0, End: 0.5, Confidence: 0.9},
		{Word: "two", Speaker: speaker(0), Start: 0.6, End: 1, Confidence: 0.9},
	}

	result := GroupWordsBySpeaker(words)
	if len(result) != 1 || result[0].Text != "one two" {
		t.Errorf("Expected one merged utterance, got %+v", result)
	}
}

func TestGroupWordsBySpeaker_PairwiseConfidence(t *testing.T) {
	words := []Word{
		{Word: "a", Speaker: speaker(0), Start: 0, End: 0.5, Confidence: 0.8},
		{Word: "b", Speaker: speaker(0), Start: 0.6, End: 1, Confidence: 1.0},
	}

	result := GroupWordsBySpeaker(words)
	if diff := result[0].Confidence - 0.9; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Expected confidence 0.9, got %v", result[0].Confidence)
	}

	// Three words fold pairwise: ((0.4 + 0.8) / 2 + 1.0) / 2 = 0.8
	words = []Word{
		{Word: "a", Confidence: 0.4},
		{Word: "b", Confidence: 0.8},
		{Word: "c", Confidence: 1.0},
	}
	result = GroupWordsBySpeaker(words)
	if diff := result[0].Confidence - 0.8; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Expected pairwise confidence 0.8, got %v", result[0].Confidence)
	}
}

func TestGroupWordsBySpeaker_ManySpeakers(t *testing.T) {
	var words []Word
	for i := 0; i < 10; i++ {
		words = append(words, Word{
			Word:       fmt.Sprintf("Speaker%d", i),
			Speaker:    speaker(i % 5),
			Start:      float64(i * 2),
			End:        float64(i*2 + 1),
			Confidence: 0.9,
		})
	}

	result := GroupWordsBySpeaker(words)
	if len(result) != 10 {
		t.Errorf("Expected 10 utterances, got %d", len(result))
	}
}
