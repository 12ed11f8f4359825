// Package router handles model selection: an explicit pin, a mode's
// default, or classification of the message with a keyword fallback.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bonzainsights/mragent/internal/models"
)

// Modes a router can be set to. Auto classifies every message; the
// others pin that category's default model.
const (
	ModeAuto     = "auto"
	ModeThinking = "thinking"
	ModeFast     = "fast"
	ModeCode     = "code"
	ModeBrowsing = "browsing"
)

// Modes lists every valid mode.
var Modes = []string{ModeAuto, ModeThinking, ModeFast, ModeCode, ModeBrowsing}

// Routing errors.
var (
	ErrUnknownMode  = errors.New("unknown mode")
	ErrUnknownModel = errors.New("unknown model")
)

// Selection paths recorded on each decision.
const (
	PathOverride   = "override"
	PathMode       = "mode"
	PathVision     = "vision"
	PathClassifier = "classifier"
	PathKeywords   = "keywords"
)

// Catalog is the part of the model registry the router reads.
// *models.Catalog satisfies it.
type Catalog interface {
	Has(name string) bool
	SupportsTools(name string) bool
	Default(cat models.Category) string
}

// Request contains the information needed for a routing decision.
type Request struct {
	Message  string // the user's text
	HasImage bool   // an image is attached
	Mode     string // explicit mode for this request; empty uses the router's mode
	Override string // model to pin, bypassing everything else
}

// Decision records why a model was selected.
type Decision struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`

	// Input
	QueryLength int    `json:"query_length"`
	Mode        string `json:"mode"`
	Override    string `json:"override,omitempty"`
	HasImage    bool   `json:"has_image,omitempty"`

	// Decision process
	Path            string         `json:"path"`
	Category        string         `json:"category,omitempty"`
	ClassifierLabel string         `json:"classifier_label,omitempty"`
	ClassifierError string         `json:"classifier_error,omitempty"`
	Scores          map[string]int `json:"scores,omitempty"`
	Upgraded        bool           `json:"upgraded,omitempty"`

	// Outcome
	ModelSelected string `json:"model_selected"`
	Reasoning     string `json:"reasoning"`
}

// Config holds router configuration.
type Config struct {
	Catalog           Catalog
	Mode              string        // initial mode; empty means auto
	Classifier        Classifier    // optional remote classifier
	ClassifierTimeout time.Duration // per-call bound on the classifier
	MaxAuditLog       int           // how many decisions to keep in memory
}

// Stats tracks routing statistics.
type Stats struct {
	TotalRequests      int64            `json:"total_requests"`
	ModelCounts        map[string]int64 `json:"model_counts"`
	PathCounts         map[string]int64 `json:"path_counts"`
	CategoryCounts     map[string]int64 `json:"category_counts"`
	Upgrades           int64            `json:"upgrades"`
	ClassifierFailures int64            `json:"classifier_failures"`
}

// Router selects models. Apart from the mode it holds no state that
// affects a decision; the audit log and stats are for observation.
type Router struct {
	logger *slog.Logger
	config Config

	mu       sync.RWMutex
	mode     string
	auditLog []Decision
	stats    Stats
}

// NewRouter creates a router with the given configuration.
func NewRouter(logger *slog.Logger, config Config) (*Router, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if config.Catalog == nil {
		return nil, errors.New("router: catalog is required")
	}
	if config.MaxAuditLog <= 0 {
		config.MaxAuditLog = 1000
	}
	if config.ClassifierTimeout <= 0 {
		config.ClassifierTimeout = 3 * time.Second
	}
	mode := config.Mode
	if mode == "" {
		mode = ModeAuto
	}
	if !ValidMode(mode) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	return &Router{
		logger:   logger,
		config:   config,
		mode:     mode,
		auditLog: make([]Decision, 0, min(config.MaxAuditLog, 64)),
		stats: Stats{
			ModelCounts:    make(map[string]int64),
			PathCounts:     make(map[string]int64),
			CategoryCounts: make(map[string]int64),
		},
	}, nil
}

// ValidMode reports whether mode is one of Modes.
func ValidMode(mode string) bool {
	return slices.Contains(Modes, mode)
}

// SetMode changes the selection mode.
func (r *Router) SetMode(mode string) error {
	if !ValidMode(mode) {
		return fmt.Errorf("%w: %q (use %s)", ErrUnknownMode, mode, strings.Join(Modes, ", "))
	}
	r.mu.Lock()
	r.mode = mode
	r.mu.Unlock()
	r.logger.Info("routing mode changed", "mode", mode)
	return nil
}

// Mode returns the current selection mode.
func (r *Router) Mode() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.mode
}

// Select resolves the model for req. Precedence is override, then an
// explicit mode, then classification. Only a bad override or mode is
// an error; classification always produces a model.
func (r *Router) Select(ctx context.Context, req Request) (string, *Decision, error) {
	mode := req.Mode
	if mode == "" {
		mode = r.Mode()
	}
	if !ValidMode(mode) {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	if req.Override != "" && !r.config.Catalog.Has(req.Override) {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownModel, req.Override)
	}

	d := &Decision{
		RequestID:   newRequestID(),
		Timestamp:   time.Now(),
		QueryLength: len(req.Message),
		Mode:        mode,
		Override:    req.Override,
		HasImage:    req.HasImage,
	}

	switch {
	case req.Override != "":
		d.Path = PathOverride
		d.ModelSelected = req.Override
		d.Reasoning = "Pinned to " + req.Override + "."
	case mode != ModeAuto:
		cat := models.Category(mode)
		d.Path = PathMode
		d.Category = string(cat)
		d.ModelSelected = r.config.Catalog.Default(cat)
		d.Reasoning = "Mode " + mode + " default."
	default:
		r.classify(ctx, req, d)
	}

	r.recordDecision(*d)

	r.logger.Info("model routed",
		"request_id", d.RequestID,
		"model", d.ModelSelected,
		"path", d.Path,
		"category", d.Category,
		"reasoning", d.Reasoning,
	)

	return d.ModelSelected, d, nil
}

// classify runs the auto-mode path and fills in d.
func (r *Router) classify(ctx context.Context, req Request, d *Decision) {
	cat := r.categorize(ctx, req, d)
	d.Category = string(cat)
	model := r.config.Catalog.Default(cat)

	if cat == models.CategoryVision {
		d.ModelSelected = model
		d.Reasoning = "Image attached; using the vision model."
		return
	}

	var reasoning strings.Builder
	fmt.Fprintf(&reasoning, "Classified as %s via %s.", cat, d.Path)

	if !r.config.Catalog.SupportsTools(model) && needsToolsPattern.MatchString(strings.ToLower(req.Message)) {
		upgraded := r.config.Catalog.Default(models.CategoryThinking)
		if upgraded != model {
			fmt.Fprintf(&reasoning, " %s cannot call tools; upgraded to %s.", model, upgraded)
			model = upgraded
			d.Upgraded = true
		}
	}

	d.ModelSelected = model
	d.Reasoning = reasoning.String()
}

// categorize picks a category: vision for images, else the remote
// classifier, else keyword scoring.
func (r *Router) categorize(ctx context.Context, req Request, d *Decision) models.Category {
	if req.HasImage {
		d.Path = PathVision
		return models.CategoryVision
	}

	if r.config.Classifier != nil && strings.TrimSpace(req.Message) != "" {
		cctx, cancel := context.WithTimeout(ctx, r.config.ClassifierTimeout)
		label, err := r.config.Classifier.Classify(cctx, req.Message)
		cancel()

		switch {
		case err != nil:
			d.ClassifierError = err.Error()
			r.logger.Warn("classifier failed, using keywords", "error", err)
		default:
			d.ClassifierLabel = label
			if cat, ok := categoryForLabel(label); ok {
				d.Path = PathClassifier
				return cat
			}
			d.ClassifierError = fmt.Sprintf("unrecognized label %q", label)
			r.logger.Warn("classifier returned unknown label, using keywords", "label", label)
		}
	}

	cat, scores := scoreKeywords(strings.ToLower(req.Message))
	d.Path = PathKeywords
	d.Scores = scores
	return cat
}

// recordDecision adds a decision to the audit log.
func (r *Router) recordDecision(d Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Trim if over capacity
	if len(r.auditLog) >= r.config.MaxAuditLog {
		r.auditLog = r.auditLog[1:]
	}
	r.auditLog = append(r.auditLog, d)

	r.stats.TotalRequests++
	r.stats.ModelCounts[d.ModelSelected]++
	r.stats.PathCounts[d.Path]++
	if d.Category != "" {
		r.stats.CategoryCounts[d.Category]++
	}
	if d.Upgraded {
		r.stats.Upgrades++
	}
	if d.ClassifierError != "" {
		r.stats.ClassifierFailures++
	}
}

// GetAuditLog returns recent routing decisions, oldest first.
func (r *Router) GetAuditLog(limit int) []Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if limit <= 0 || limit > len(r.auditLog) {
		limit = len(r.auditLog)
	}

	start := len(r.auditLog) - limit
	result := make([]Decision, limit)
	copy(result, r.auditLog[start:])
	return result
}

// GetStats returns a copy of the routing statistics.
func (r *Router) GetStats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := r.stats
	s.ModelCounts = cloneCounts(r.stats.ModelCounts)
	s.PathCounts = cloneCounts(r.stats.PathCounts)
	s.CategoryCounts = cloneCounts(r.stats.CategoryCounts)
	return s
}

// Explain returns details about why a specific decision was made.
func (r *Router) Explain(requestID string) *Decision {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := len(r.auditLog) - 1; i >= 0; i-- {
		if r.auditLog[i].RequestID == requestID {
			d := r.auditLog[i]
			return &d
		}
	}
	return nil
}

func cloneCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func newRequestID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return time.Now().Format("20060102-150405.000000")
	}
	return id.String()
}
