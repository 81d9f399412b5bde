package pipeline

import (
	"fmt"

	"trialtrends/internal/clustering"
	"trialtrends/internal/vectorstore"
)

// Builder helps construct a fully configured Pipeline
type Builder struct {
	source    ObservationSource
	grouper   ConditionGrouper
	formatter NarrativeFormatter
	store     *vectorstore.Store
	threshold float64
	config    *Config
}

// NewBuilder creates a new pipeline builder with default settings
func NewBuilder() *Builder {
	return &Builder{
		threshold: clustering.DefaultSimilarityThreshold,
		config:    DefaultConfig(),
	}
}

// WithSource sets the condition count source
func (b *Builder) WithSource(source ObservationSource) *Builder {
	b.source = source
	return b
}

// WithGrouper sets the grouper directly, overriding WithStore
func (b *Builder) WithGrouper(grouper ConditionGrouper) *Builder {
	b.grouper = grouper
	return b
}

// WithStore groups names with a cosine grouper over store
func (b *Builder) WithStore(store *vectorstore.Store) *Builder {
	b.store = store
	return b
}

// WithThreshold sets the similarity threshold used with WithStore
func (b *Builder) WithThreshold(threshold float64) *Builder {
	b.threshold = threshold
	return b
}

// WithFormatter sets the narrative formatter
func (b *Builder) WithFormatter(formatter NarrativeFormatter) *Builder {
	b.formatter = formatter
	return b
}

// WithConfig sets the pipeline configuration
func (b *Builder) WithConfig(config *Config) *Builder {
	b.config = config
	return b
}

// WithMaxRows caps each ranked list
func (b *Builder) WithMaxRows(n int) *Builder {
	if b.config == nil {
		b.config = DefaultConfig()
	}
	b.config.MaxRows = n
	return b
}

// WithoutNarrative disables the narrative stage
func (b *Builder) WithoutNarrative() *Builder {
	if b.config == nil {
		b.config = DefaultConfig()
	}
	b.config.Narrative = false
	return b
}

// Build constructs a fully configured Pipeline
func (b *Builder) Build() (*Pipeline, error) {
	if b.source == nil {
		return nil, fmt.Errorf("observation source is required")
	}

	config := b.config
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxRows < 1 {
		return nil, fmt.Errorf("max rows must be positive, got %d", config.MaxRows)
	}

	grouper := b.grouper
	if grouper == nil {
		if b.store == nil {
			return nil, fmt.Errorf("either a grouper or an embedding store is required")
		}
		if b.threshold <= 0 || b.threshold > 1 {
			return nil, fmt.Errorf("similarity threshold must be in (0, 1], got %g", b.threshold)
		}
		grouper = clustering.NewGrouper(b.store).WithThreshold(b.threshold)
	}

	if config.Narrative && b.formatter == nil {
		return nil, fmt.Errorf("narrative formatter is required unless the narrative is disabled")
	}

	return NewPipeline(b.source, grouper, b.formatter, config), nil
}
