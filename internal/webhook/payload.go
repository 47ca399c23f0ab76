// Package webhook builds signed result payloads for completed jobs and
// delivers them with bounded exponential-backoff retries.
package webhook

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mkravets/descgen/pkg/models"
)

// Payload is the document POSTed to a client webhook endpoint.
type Payload struct {
	JobID       uuid.UUID   `json:"job_id"`
	Status      string      `json:"status"`
	CompletedAt *time.Time  `json:"completed_at"`
	Lots        []LotResult `json:"lots"`
}

type LotResult struct {
	LotID         string        `json:"lot_id"`
	Descriptions  []Description `json:"descriptions"`
	MissingImages []string      `json:"missing_images,omitempty"`
	Error         *string       `json:"error,omitempty"`
}

type Description struct {
	Language string `json:"language"`
	Damages  string `json:"damages"`
}

// BuildPayloads groups a job's lots by their effective webhook URL (the
// per-lot override when present, else the job-level URL) and builds one
// payload per distinct URL. Lots with no effective URL are dropped.
func BuildPayloads(job *models.Job, lots []*models.Lot) map[string]*Payload {
	payloads := make(map[string]*Payload)

	for _, lot := range lots {
		url := effectiveURL(job, lot)
		if url == "" {
			continue
		}
		p, ok := payloads[url]
		if !ok {
			p = &Payload{
				JobID:       job.ID,
				Status:      job.Status,
				CompletedAt: job.CompletedAt,
			}
			payloads[url] = p
		}
		p.Lots = append(p.Lots, lotResult(job, lot))
	}
	return payloads
}

func effectiveURL(job *models.Job, lot *models.Lot) string {
	if lot.WebhookURL != nil && *lot.WebhookURL != "" {
		return *lot.WebhookURL
	}
	if job.WebhookURL != nil {
		return *job.WebhookURL
	}
	return ""
}

// lotResult renders one lot. English comes first, then the requested
// languages in request order; a language with no stored translation falls
// back to the English source text so clients always get every language
// they asked for.
func lotResult(job *models.Job, lot *models.Lot) LotResult {
	res := LotResult{
		LotID:         lot.LotID,
		MissingImages: lot.MissingImages,
		Error:         lot.ErrorMessage,
	}
	if lot.VisionResult == nil {
		return res
	}

	source := *lot.VisionResult
	res.Descriptions = append(res.Descriptions, Description{
		Language: "en",
		Damages:  wrapHTML(source),
	})
	for _, lang := range job.Languages {
		if strings.EqualFold(lang, "en") {
			continue
		}
		text, ok := lot.Translations[lang]
		if !ok || text == "" {
			text = source
		}
		res.Descriptions = append(res.Descriptions, Description{
			Language: lang,
			Damages:  wrapHTML(text),
		})
	}
	return res
}

// wrapHTML wraps plain paragraphs in <p> tags, the markup downstream
// listing pages expect. Text that already looks like HTML passes through.
func wrapHTML(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	if strings.HasPrefix(trimmed, "<") {
		return trimmed
	}
	paragraphs := strings.Split(trimmed, "\n\n")
	var b strings.Builder
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b.WriteString("<p>")
		b.WriteString(strings.ReplaceAll(p, "\n", "<br>"))
		b.WriteString("</p>")
	}
	return b.String()
}
