// Package narrative asks a language model for a short plain-language
// summary of a calibration run.
package narrative

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/lox/tankcal/internal/models"
)

var (
	ErrNoAPIKey      = errors.New("narrative: OPENAI_API_KEY not set")
	ErrEmptyResponse = errors.New("narrative: empty response")
)

const systemPrompt = `You are a hydrologist reviewing the calibration of a two-tank rainfall-runoff model for a reservoir catchment.
Write three to five sentences for an operator: how well the calibrated model fits, why the optimizer stopped, and which parameters moved the most and what that means physically.
Use plain language, no headings or lists.`

// Generator writes run summaries using OpenAI chat completions.
type Generator struct {
	client openai.Client
	model  openai.ChatModel
}

// NewGenerator creates a generator authenticated with apiKey. Extra request
// options are passed to the client.
func NewGenerator(apiKey string, opts ...option.RequestOption) (*Generator, error) {
	if apiKey == "" {
		return nil, ErrNoAPIKey
	}
	client := openai.NewClient(append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)...)
	return &Generator{
		client: client,
		model:  openai.ChatModelGPT4oMini,
	}, nil
}

// Describe returns a summary of run for catchment c.
func (g *Generator) Describe(ctx context.Context, c models.Catchment, run models.CalibrationRun) (string, error) {
	log.Printf("narrative: describing run %d (%s)", run.ID, c.ID)

	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: g.model,
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(BuildPrompt(c, run)),
		},
		MaxCompletionTokens: openai.Int(400),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", ErrEmptyResponse
	}
	return text, nil
}

// BuildPrompt lays out the facts of a run for the model.
func BuildPrompt(c models.Catchment, run models.CalibrationRun) string {
	var b strings.Builder

	name := c.ID
	if c.Name != "" {
		name = fmt.Sprintf("%s (%s)", c.Name, c.ID)
	}
	fmt.Fprintf(&b, "Catchment: %s, area %s km²\n", name, number(c.AreaKm2))
	if !run.WindowStart.IsZero() {
		fmt.Fprintf(&b, "Calibration window: %s to %s\n",
			run.WindowStart.Format("2006-01-02 15:04"), run.WindowEnd.Format("2006-01-02 15:04"))
	}
	fmt.Fprintf(&b, "Objective: %s, final value %s\n", run.Metric, nullNumber(run.Objective))
	fmt.Fprintf(&b, "Stopped: %s after %d iterations (%d objective evaluations)\n",
		stopReason(run.Reason), run.Iterations, run.Evaluations)
	fmt.Fprintf(&b, "NSE: %s, RMSE: %s m³/s\n", nullNumber(run.NSE), nullNumber(run.RMSE))

	b.WriteString("Parameters (initial -> calibrated):\n")
	for _, key := range models.ParamKeys {
		before, _ := run.InitialParams.Get(key)
		after, _ := run.FinalParams.Get(key)
		fmt.Fprintf(&b, "- %s: %s -> %s", key, number(before), number(after))
		if before != 0 {
			fmt.Fprintf(&b, " (%+.0f%%)", (after-before)/math.Abs(before)*100)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func stopReason(reason string) string {
	switch reason {
	case "converged":
		return "objective stopped improving"
	case "objective-threshold":
		return "objective reached the target threshold"
	case "max-iterations":
		return "iteration limit reached"
	case "canceled":
		return "canceled by the user"
	}
	return reason
}

func number(v float64) string {
	return strconv.FormatFloat(v, 'g', 4, 64)
}

func nullNumber(n sql.NullFloat64) string {
	if !n.Valid || math.IsNaN(n.Float64) || math.IsInf(n.Float64, 0) {
		return "undefined"
	}
	return number(n.Float64)
}
