package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const factCheckPrompt = `You are a technical fact checker auditing a
draft answer about Redis operations. Identify factual errors (wrong
config directives, wrong defaults, impossible behavior). Respond with
JSON only:
{"has_errors": bool, "errors": ["..."], "suggested_research": ["..."]}`

// Report is the fact-checker's structured verdict.
type Report struct {
	HasErrors         bool     `json:"has_errors"`
	Errors            []string `json:"errors"`
	SuggestedResearch []string `json:"suggested_research"`
}

// FactChecker audits draft responses with the nano model. A detected
// error triggers exactly one corrective turn in the dispatcher.
type FactChecker struct {
	log *zap.Logger
	llm LLMClient
}

func NewFactChecker(log *zap.Logger, llm LLMClient) *FactChecker {
	return &FactChecker{log: log.Named("factcheck"), llm: llm}
}

// Check audits the draft. Audit failures degrade to a clean report: a
// broken checker must never block a finished turn.
func (f *FactChecker) Check(ctx context.Context, draft string) Report {
	msg, err := f.llm.InvokeNano(ctx, []Message{
		{Role: RoleSystem, Content: factCheckPrompt},
		{Role: RoleUser, Content: draft},
	})
	if err != nil {
		f.log.Warn("fact check unavailable", zap.Error(err))
		return Report{}
	}
	rep, err := ParseReport(msg.Content)
	if err != nil {
		f.log.Warn("fact check returned unparseable verdict", zap.Error(err))
		return Report{}
	}
	return rep
}

// ParseReport extracts the verdict JSON from model output, tolerating
// code fences, surrounding prose, and error entries that are objects
// rather than strings.
func ParseReport(content string) (Report, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return Report{}, fmt.Errorf("no JSON object in fact check output")
	}
	raw := content[start : end+1]

	var loose struct {
		HasErrors         bool              `json:"has_errors"`
		Errors            []json.RawMessage `json:"errors"`
		SuggestedResearch []string          `json:"suggested_research"`
	}
	if err := json.Unmarshal([]byte(raw), &loose); err != nil {
		return Report{}, fmt.Errorf("decode fact check output: %w", err)
	}

	rep := Report{HasErrors: loose.HasErrors, SuggestedResearch: loose.SuggestedResearch}
	for _, e := range loose.Errors {
		var s string
		if err := json.Unmarshal(e, &s); err == nil {
			rep.Errors = append(rep.Errors, s)
			continue
		}
		rep.Errors = append(rep.Errors, string(e))
	}
	return rep, nil
}
