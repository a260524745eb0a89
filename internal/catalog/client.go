package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"peerprep/internal/status"
	"peerprep/models"
	"peerprep/utils"
)

const filterPath = "/api/v1/questions/filter/topics-difficulty"

// Picker selects one exercise for a confirmed match.
type Picker interface {
	Pick(ctx context.Context, difficulty models.Difficulty, topics []string) (*models.Exercise, error)
}

// Client talks to the question service.
type Client struct {
	baseURL string
	hc      *http.Client
	breaker *utils.CircuitBreaker
	retries int
	backOff time.Duration
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

func WithBackOff(d time.Duration) Option {
	return func(c *Client) { c.backOff = d }
}

func WithBreaker(cb *utils.CircuitBreaker) Option {
	return func(c *Client) { c.breaker = cb }
}

func New(baseURL string, retries int, timeout time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
		breaker: utils.NewCircuitBreaker("question-service", utils.WithTripThreshold(5, 0.6)),
		retries: retries,
		backOff: 300 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// question is the wire shape; older records use question_id and name.
type question struct {
	ID         string   `json:"id"`
	QuestionID string   `json:"question_id"`
	Difficulty string   `json:"difficulty"`
	Topics     []string `json:"topics"`
	Title      string   `json:"title"`
	Name       string   `json:"name"`
}

// Pick fetches matching exercises and returns one at random.
// Transport failures are retried with exponential backoff; an empty result is not.
func (c *Client) Pick(ctx context.Context, difficulty models.Difficulty, topics []string) (*models.Exercise, error) {
	var (
		questions []question
		err       error
	)

	backOff := c.backOff
	for attempt := 0; ; attempt++ {
		err = c.breaker.Execute(ctx, func(ctx context.Context) error {
			var fetchErr error
			questions, fetchErr = c.fetch(ctx, difficulty, topics)
			return fetchErr
		})
		if err == nil {
			break
		}

		if errors.Is(err, utils.ErrCircuitOpen) || errors.Is(err, utils.ErrTooManyRequests) {
			return nil, fmt.Errorf("catalog: %v: %w", err, status.ErrTransientDependency)
		}
		if attempt >= c.retries {
			return nil, fmt.Errorf("catalog: %d attempts: %v: %w", attempt+1, err, status.ErrTransientDependency)
		}

		slog.Warn("catalog request failed, retrying", "attempt", attempt+1, "backoff", backOff, "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("catalog: %v: %w", ctx.Err(), status.ErrTransientDependency)
		case <-time.After(backOff):
			backOff *= 2
		}
	}

	if len(questions) == 0 {
		return nil, fmt.Errorf("difficulty=%s topics=%v: %w", difficulty, topics, status.ErrNoExercise)
	}

	q := questions[rand.IntN(len(questions))]
	exercise := &models.Exercise{
		ID:         q.ID,
		Difficulty: models.Difficulty(q.Difficulty),
		Topics:     q.Topics,
		Title:      q.Title,
	}
	if exercise.ID == "" {
		exercise.ID = q.QuestionID
	}
	if exercise.Title == "" {
		exercise.Title = q.Name
	}
	if exercise.Title == "" {
		exercise.Title = "Untitled"
	}
	if exercise.Topics == nil {
		exercise.Topics = []string{}
	}
	return exercise, nil
}

func (c *Client) fetch(ctx context.Context, difficulty models.Difficulty, topics []string) ([]question, error) {
	query := url.Values{}
	if difficulty != "" {
		query.Set("difficulty", strings.ToLower(string(difficulty)))
	}
	for _, t := range topics {
		query.Add("topics", t)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+filterPath+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("fetch: http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch: hc.Do: %w", err)
	}
	defer resp.Body.Close()

	// 404 means nothing matches the filters
	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("fetch: resp.StatusCode: %d, resp.Body: %s", resp.StatusCode, body)
	}

	var out []question
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("fetch: json.Decode: %w", err)
	}
	return out, nil
}
