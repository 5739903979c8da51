package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const gradingSystemPrompt = `You are an expert chemistry teacher grading a student's written exam solution.

Check the solution against the task, the reference solution and the rubric, and award points per criterion. Verify reaction balance, valences and charges, stoichiometric calculations, units and dimensions, significant-figure rounding, and IUPAC naming of organic compounds.

If you cannot read the solution (illegible handwriting, damaged transcription), you MUST set "unreadable": true and explain the problem in "unreadable_reason".

Respond with strict JSON:
{
  "unreadable": false,
  "unreadable_reason": null,
  "total_score": <number>,
  "max_score": <number>,
  "criteria_scores": [
    {"criterion_name": "...", "score": <number>, "max_score": <number>, "comment": "..."}
  ],
  "detailed_analysis": {
    "method_correctness": "...",
    "calculations": "...",
    "units_and_dimensions": "...",
    "chemical_rules": "...",
    "errors_found": ["..."]
  },
  "feedback": "Overall feedback for the student",
  "recommendations": ["..."]
}`

// CriterionScore is one rubric line of the model's grade.
type CriterionScore struct {
	CriterionName string  `json:"criterion_name"`
	Score         float64 `json:"score"`
	MaxScore      float64 `json:"max_score"`
	Comment       string  `json:"comment"`
}

// GradeResult is the parsed, bounds-checked model response.
type GradeResult struct {
	Unreadable       bool             `json:"unreadable"`
	UnreadableReason *string          `json:"unreadable_reason"`
	TotalScore       float64          `json:"total_score"`
	MaxScore         float64          `json:"max_score"`
	CriteriaScores   []CriterionScore `json:"criteria_scores"`
	DetailedAnalysis json.RawMessage  `json:"detailed_analysis"`
	Feedback         string           `json:"feedback"`
	Recommendations  []string         `json:"recommendations"`

	Duration time.Duration `json:"-"`
}

// GradeRequest carries everything the model needs for one submission.
type GradeRequest struct {
	TaskDescription   string
	ReferenceSolution string
	Rubric            json.RawMessage
	MaxScore          float64

	// Validated page transcriptions, in page order. Image URLs are
	// attached as well when the model should see the originals.
	Transcriptions []string
	ImageURLs      []string
}

// Grader produces a preliminary grade for a submission.
type Grader interface {
	Grade(ctx context.Context, req GradeRequest) (*GradeResult, error)
}

// Client wraps an OpenAI-compatible API client.
type Client struct {
	api         *openai.Client
	model       string
	temperature float32
}

// New creates a grading client. baseURL may point at any
// OpenAI-compatible endpoint.
func New(baseURL, apiKey, modelName string, temperature float32) *Client {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &Client{
		api:         openai.NewClientWithConfig(config),
		model:       modelName,
		temperature: temperature,
	}
}

func (c *Client) Grade(ctx context.Context, req GradeRequest) (*GradeResult, error) {
	start := time.Now()

	userPrompt := buildUserPrompt(req)

	parts := []openai.ChatMessagePart{
		{Type: openai.ChatMessagePartTypeText, Text: userPrompt},
	}
	for _, imageURL := range req.ImageURLs {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: imageURL},
		})
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: gradingSystemPrompt},
			{Role: openai.ChatMessageRoleUser, MultiContent: parts},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: c.temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("grading API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("grading model returned no choices")
	}

	result, err := ParseGradeResult(resp.Choices[0].Message.Content, req.MaxScore)
	if err != nil {
		return nil, err
	}
	result.Duration = time.Since(start)
	return result, nil
}

func buildUserPrompt(req GradeRequest) string {
	var b strings.Builder
	b.WriteString("Task:\n")
	b.WriteString(req.TaskDescription)
	b.WriteString("\n\nReference solution:\n")
	b.WriteString(req.ReferenceSolution)
	fmt.Fprintf(&b, "\n\nRubric (maximum %.2f points):\n", req.MaxScore)
	if len(req.Rubric) > 0 {
		b.Write(req.Rubric)
	} else {
		b.WriteString("(none provided; grade the full solution out of the maximum)")
	}
	if len(req.Transcriptions) > 0 {
		b.WriteString("\n\nStudent solution (validated page transcriptions, in order):\n")
		for i, t := range req.Transcriptions {
			fmt.Fprintf(&b, "\n--- Page %d ---\n%s\n", i+1, t)
		}
	}
	b.WriteString("\nGrade the solution per criterion and respond with the JSON format from the system prompt.")
	return b.String()
}

// ParseGradeResult decodes and bounds-checks the model's JSON answer.
// Scores outside the rubric bounds are rejected rather than clamped;
// a malformed grade must not become a preliminary score.
func ParseGradeResult(content string, examMax float64) (*GradeResult, error) {
	content = strings.TrimSpace(content)
	// Some models wrap JSON in a code fence despite the response format.
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var result GradeResult
	if err := json.Unmarshal([]byte(content), &result); err != nil {
		return nil, fmt.Errorf("parse grade JSON: %w", err)
	}

	if result.Unreadable {
		return &result, nil
	}

	if result.MaxScore <= 0 {
		result.MaxScore = examMax
	}
	if result.TotalScore < 0 || (result.MaxScore > 0 && result.TotalScore > result.MaxScore) {
		return nil, fmt.Errorf("total score %.2f outside [0, %.2f]", result.TotalScore, result.MaxScore)
	}
	var sum float64
	for _, cs := range result.CriteriaScores {
		if cs.Score < 0 || (cs.MaxScore > 0 && cs.Score > cs.MaxScore) {
			return nil, fmt.Errorf("criterion %q score %.2f outside [0, %.2f]", cs.CriterionName, cs.Score, cs.MaxScore)
		}
		sum += cs.Score
	}
	// When a breakdown is present it must account for the total.
	if len(result.CriteriaScores) > 0 && !closeEnough(sum, result.TotalScore) {
		return nil, fmt.Errorf("criteria sum %.2f does not match total %.2f", sum, result.TotalScore)
	}

	return &result, nil
}

func closeEnough(a, b float64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff <= 0.01
}
