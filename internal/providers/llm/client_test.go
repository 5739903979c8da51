package llm

import (
	"strings"
	"testing"
)

func TestParseGradeResult(t *testing.T) {
	content := `{
		"unreadable": false,
		"total_score": 7.5,
		"max_score": 10,
		"criteria_scores": [
			{"criterion_name": "Balance", "score": 3, "max_score": 4, "comment": "minor slip"},
			{"criterion_name": "Stoichiometry", "score": 4.5, "max_score": 6, "comment": "ok"}
		],
		"feedback": "Good work overall."
	}`

	result, err := ParseGradeResult(content, 10)
	if err != nil {
		t.Fatalf("ParseGradeResult: %v", err)
	}
	if result.TotalScore != 7.5 {
		t.Errorf("TotalScore = %v, want 7.5", result.TotalScore)
	}
	if len(result.CriteriaScores) != 2 {
		t.Fatalf("criteria count = %d, want 2", len(result.CriteriaScores))
	}
	if result.CriteriaScores[0].CriterionName != "Balance" {
		t.Errorf("criterion name = %q", result.CriteriaScores[0].CriterionName)
	}
}

func TestParseGradeResultCodeFence(t *testing.T) {
	content := "```json\n{\"unreadable\": false, \"total_score\": 5, \"max_score\": 10, \"feedback\": \"ok\"}\n```"
	result, err := ParseGradeResult(content, 10)
	if err != nil {
		t.Fatalf("ParseGradeResult: %v", err)
	}
	if result.TotalScore != 5 {
		t.Errorf("TotalScore = %v, want 5", result.TotalScore)
	}
}

func TestParseGradeResultUnreadable(t *testing.T) {
	content := `{"unreadable": true, "unreadable_reason": "smudged ink", "total_score": 0}`
	result, err := ParseGradeResult(content, 10)
	if err != nil {
		t.Fatalf("ParseGradeResult: %v", err)
	}
	if !result.Unreadable {
		t.Fatal("expected unreadable result")
	}
	if result.UnreadableReason == nil || *result.UnreadableReason != "smudged ink" {
		t.Errorf("UnreadableReason = %v", result.UnreadableReason)
	}
}

func TestParseGradeResultDefaultsMaxScore(t *testing.T) {
	content := `{"unreadable": false, "total_score": 8}`
	result, err := ParseGradeResult(content, 12)
	if err != nil {
		t.Fatalf("ParseGradeResult: %v", err)
	}
	if result.MaxScore != 12 {
		t.Errorf("MaxScore = %v, want exam max 12", result.MaxScore)
	}
}

func TestParseGradeResultRejectsBadScores(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"total above max", `{"total_score": 11, "max_score": 10}`},
		{"negative total", `{"total_score": -1, "max_score": 10}`},
		{"criterion above its max", `{"total_score": 5, "max_score": 10, "criteria_scores": [{"criterion_name": "X", "score": 5, "max_score": 4}]}`},
		{"criteria sum mismatch", `{"total_score": 9, "max_score": 10, "criteria_scores": [{"criterion_name": "X", "score": 2, "max_score": 5}, {"criterion_name": "Y", "score": 3, "max_score": 5}]}`},
		{"not json", `the dog ate my rubric`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseGradeResult(tt.content, 10); err == nil {
				t.Errorf("expected error for %s", tt.name)
			}
		})
	}
}

func TestBuildUserPrompt(t *testing.T) {
	req := GradeRequest{
		TaskDescription:   "Balance the equation",
		ReferenceSolution: "2H2 + O2 -> 2H2O",
		MaxScore:          10,
		Transcriptions:    []string{"page one text", "page two text"},
	}
	prompt := buildUserPrompt(req)

	for _, want := range []string{"Balance the equation", "2H2 + O2 -> 2H2O", "--- Page 1 ---", "--- Page 2 ---", "page two text"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
