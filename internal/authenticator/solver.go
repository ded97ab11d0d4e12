package authenticator

import (
	"context"
	"encoding/base64"
	"regexp"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	apperrors "github.com/VhahahaV/sJAutoSport-sub000/pkg/errors"
)

// Solver turns a captcha image into a code guess with a confidence estimate
// in [0,1].
type Solver interface {
	Solve(ctx context.Context, image []byte) (code string, confidence float64, err error)
}

const solverPrompt = "Read the characters in this captcha image. " +
	"Reply with ONLY the characters, no explanation, no punctuation. " +
	"The code is 4 to 6 letters or digits."

var codeRe = regexp.MustCompile(`[A-Za-z0-9]{4,6}`)

// VisionSolver reads captchas with an OpenAI-compatible vision model.
type VisionSolver struct {
	client *openai.Client
	model  string
}

// NewVisionSolver builds a solver against the given endpoint. baseURL may be
// empty for the default OpenAI API.
func NewVisionSolver(apiKey, baseURL, model string) (*VisionSolver, error) {
	if apiKey == "" {
		return nil, apperrors.NewConfig("authenticator.NewVisionSolver", "missing API key", nil)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = openai.GPT4oMini
	}
	return &VisionSolver{client: openai.NewClientWithConfig(cfg), model: model}, nil
}

// Solve sends the image inline as a data URI. Confidence is a crude proxy:
// 0.9 when the reply is exactly one clean code, 0.5 when a code had to be
// extracted from surrounding text, 0 when nothing code-shaped came back.
func (s *VisionSolver) Solve(ctx context.Context, image []byte) (string, float64, error) {
	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(image)
	resp, err := s.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     s.model,
		MaxTokens: 16,
		Messages: []openai.ChatCompletionMessage{
			{
				Role: openai.ChatMessageRoleUser,
				MultiContent: []openai.ChatMessagePart{
					{Type: openai.ChatMessagePartTypeText, Text: solverPrompt},
					{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: dataURI, Detail: openai.ImageURLDetailLow},
					},
				},
			},
		},
	})
	if err != nil {
		return "", 0, apperrors.NewTransient("authenticator.VisionSolver", err)
	}
	if len(resp.Choices) == 0 {
		return "", 0, nil
	}
	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	if codeRe.MatchString(reply) && codeRe.FindString(reply) == reply {
		return reply, 0.9, nil
	}
	if code := codeRe.FindString(reply); code != "" {
		return code, 0.5, nil
	}
	return "", 0, nil
}
