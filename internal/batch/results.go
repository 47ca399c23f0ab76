package batch

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoText means a result line carried no usable model text.
var ErrNoText = errors.New("no text in response envelope")

// LineResult is one parsed line of a batch result file. Err is set when
// the provider reported a per-request error or the envelope carried no
// usable text; CustomID is always populated when present on the line.
type LineResult struct {
	CustomID string
	Text     string
	Err      error
}

// Result file wire types. The response body is a tagged union: depending
// on provider version the text lives in a structured output list, in a
// chat-style choices list, or in a plain output_text string.
type resultLine struct {
	CustomID string        `json:"custom_id"`
	Response *lineResponse `json:"response"`
	Error    *lineError    `json:"error"`
}

type lineResponse struct {
	StatusCode int          `json:"status_code"`
	Body       responseBody `json:"body"`
}

type lineError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type responseBody struct {
	Output     []outputItem    `json:"output"`
	Choices    []chatChoice    `json:"choices"`
	OutputText string          `json:"output_text"`
	Text       json.RawMessage `json:"text"`
}

type outputItem struct {
	Type    string        `json:"type"`
	Content []contentItem `json:"content"`
}

type contentItem struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type chatChoice struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
}

// ParseResults decodes an NDJSON result file. Lines that fail to decode
// as JSON are skipped; lines with a custom_id always yield a LineResult.
func ParseResults(ndjson string) []LineResult {
	var results []LineResult

	sc := bufio.NewScanner(strings.NewReader(ndjson))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rl resultLine
		if err := json.Unmarshal([]byte(line), &rl); err != nil || rl.CustomID == "" {
			continue
		}
		results = append(results, parseLine(rl))
	}
	return results
}

func parseLine(rl resultLine) LineResult {
	res := LineResult{CustomID: rl.CustomID}

	if rl.Error != nil {
		res.Err = fmt.Errorf("provider error %s: %s", rl.Error.Code, rl.Error.Message)
		return res
	}
	if rl.Response == nil {
		res.Err = fmt.Errorf("%w: line has neither response nor error", ErrNoText)
		return res
	}
	if rl.Response.StatusCode != 0 && rl.Response.StatusCode != 200 {
		res.Err = fmt.Errorf("request failed with status %d", rl.Response.StatusCode)
		return res
	}

	text, err := extractText(rl.Response.Body)
	if err != nil {
		res.Err = err
		return res
	}
	res.Text = text
	return res
}

// extractText pulls the model text out of a response body, trying each
// known envelope shape in order of preference.
func extractText(body responseBody) (string, error) {
	// Structured output: first message item's first output_text part.
	for _, item := range body.Output {
		if item.Type != "message" {
			continue
		}
		for _, part := range item.Content {
			if part.Type == "output_text" && part.Text != "" {
				return part.Text, nil
			}
		}
	}

	// Chat-style envelope.
	if len(body.Choices) > 0 && body.Choices[0].Message.Content != "" {
		return body.Choices[0].Message.Content, nil
	}

	// Plain-string shortcuts. Older envelopes put the text in a bare
	// string field; a "text" field holding an object is the response
	// format descriptor ({"format":{"type":"text"}}), not output, and
	// must never be persisted as a description.
	if body.OutputText != "" {
		return body.OutputText, nil
	}
	if len(body.Text) > 0 {
		var s string
		if err := json.Unmarshal(body.Text, &s); err == nil && s != "" {
			return s, nil
		}
		if isFormatDescriptor(body.Text) {
			return "", fmt.Errorf("%w: text field is a format descriptor", ErrNoText)
		}
	}

	return "", fmt.Errorf("%w: unrecognized envelope shape", ErrNoText)
}

func isFormatDescriptor(raw json.RawMessage) bool {
	var obj struct {
		Format *struct {
			Type string `json:"type"`
		} `json:"format"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return false
	}
	return obj.Format != nil
}
