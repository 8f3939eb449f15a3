package gemini

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pose-ckan/catalog-import/pkg/pipeline/core"
	"github.com/pose-ckan/catalog-import/pkg/pipeline/worker"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// maxInputRunes bounds the text sent for summarization.
const maxInputRunes = 4000

type Config struct {
	APIKey string
	Model  string

	// BaseURL overrides the Gemini API base URL. Useful for proxies/testing.
	BaseURL string

	// MaxRetries is the number of extra attempts after a throttled or 5xx reply.
	MaxRetries int
	// RetryBackoff is the first retry sleep. Zero uses the worker default.
	RetryBackoff time.Duration
	// RequestTimeout bounds each attempt. Zero uses the worker default.
	RequestTimeout time.Duration
	// RequestsPerMinute caps calls across all rows. Zero means no cap.
	RequestsPerMinute int
}

// Summarizer writes one-sentence dataset descriptions with a Gemini model.
type Summarizer struct {
	client  *genai.Client
	model   string
	limiter *rate.Limiter
	retry   worker.Options
}

func New(ctx context.Context, cfg Config) (*Summarizer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("GEMINI_API_KEY is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("GEMINI_MODEL is required")
	}

	cc := &genai.ClientConfig{
		APIKey:  strings.TrimSpace(cfg.APIKey),
		Backend: genai.BackendGeminiAPI,
	}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		cc.HTTPOptions.BaseURL = strings.TrimSpace(cfg.BaseURL)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, err
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	}
	return &Summarizer{
		client:  client,
		model:   strings.TrimSpace(cfg.Model),
		limiter: limiter,
		retry: worker.Options{
			Workers:           1,
			MaxRetries:        cfg.MaxRetries,
			RequestTimeout:    cfg.RequestTimeout,
			FailurePolicy:     worker.FailurePolicyFailFast,
			BackoffInitial:    cfg.RetryBackoff,
			BackoffJitterFrac: 0.2,
		},
	}, nil
}

// Summarize returns a single sentence describing text.
func (s *Summarizer) Summarize(ctx context.Context, text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", errors.New("empty text")
	}
	out, err := worker.ProcessAll(ctx, []string{buildPrompt(text)}, s.generate, s.retry)
	if err != nil {
		return "", err
	}
	return out[0].Output, nil
}

func (s *Summarizer) generate(ctx context.Context, prompt string) (string, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", err
		}
	}
	resp, err := s.client.Models.GenerateContent(
		ctx,
		s.model,
		genai.Text(prompt),
		&genai.GenerateContentConfig{
			CandidateCount:   1,
			ResponseMIMEType: "text/plain",
		},
	)
	if err != nil {
		return "", classifyErr(err)
	}
	out := strings.Join(strings.Fields(resp.Text()), " ")
	if out == "" {
		return "", errors.New("gemini: empty summary")
	}
	return out, nil
}

func buildPrompt(text string) string {
	if r := []rune(text); len(r) > maxInputRunes {
		text = string(r[:maxInputRunes])
	}
	return strings.TrimSpace(`
You write catalog descriptions for CKAN extensions.
Summarize the README excerpt below in ONE plain sentence (at most 30 words) ending with a period.
Return only the sentence, without markdown or quotes.

README excerpt:
` + text + `
`)
}

// classifyErr marks throttling, 5xx and temporary network failures so the
// retry loop in Summarize picks them up.
func classifyErr(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == 429 || apiErr.Code/100 == 5 {
			return &core.TransientError{Err: err}
		}
		return err
	}
	var ne net.Error
	if errors.As(err, &ne) && (ne.Timeout() || ne.Temporary()) {
		return &core.TransientError{Err: err}
	}
	return err
}
