// Package plan turns a topic to address registry into read plans.
package plan

import (
	"math"
	"sort"

	"s7link/logging"
	"s7link/s7"
)

// DefaultPrecision is the number of decimals REAL values are rounded to when
// no precision is configured for a topic.
const DefaultPrecision = 1

// PostProcessKind selects the transformation applied to a decoded value.
type PostProcessKind int

const (
	None PostProcessKind = iota
	RoundTo
)

// PostProcess is applied to a scalar value after decoding.
type PostProcess struct {
	Kind      PostProcessKind
	Precision int
}

// Apply transforms v. RoundTo only touches float64 values.
func (p PostProcess) Apply(v interface{}) interface{} {
	if p.Kind != RoundTo {
		return v
	}
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return v
	}
	scale := math.Pow(10, float64(p.Precision))
	return math.Round(f*scale) / scale
}

// TagPlan reads a scalar tag and publishes it under Topic.
type TagPlan struct {
	Topic string
	Tag   s7.Tag
	Post  PostProcess
}

// StringPlan reads an S7 string (header then body) for Topic.
type StringPlan struct {
	Topic    string
	DBNumber int
	Start    int
	Tag      s7.Tag
}

// Build parses every address in items and splits the result into scalar and
// string plans. Addresses that fail to parse are logged and skipped.
// precisions holds per-topic REAL rounding; a missing entry uses
// DefaultPrecision and a negative entry disables rounding.
// Plans are ordered by topic.
func Build(items map[string]string, precisions map[string]int) ([]TagPlan, []StringPlan) {
	topics := make([]string, 0, len(items))
	for topic := range items {
		topics = append(topics, topic)
	}
	sort.Strings(topics)

	var tags []TagPlan
	var strs []StringPlan

	for _, topic := range topics {
		addr := items[topic]
		tag, err := s7.Parse(addr)
		if err != nil {
			logging.DebugLog("plan", "skipping %s: %v", topic, err)
			continue
		}

		if tag.IsStringLike() {
			strs = append(strs, StringPlan{
				Topic:    topic,
				DBNumber: tag.DBNumber,
				Start:    tag.Start,
				Tag:      tag,
			})
			continue
		}

		tags = append(tags, TagPlan{
			Topic: topic,
			Tag:   tag,
			Post:  postFor(tag, precisions, topic),
		})
	}

	return tags, strs
}

// ForTag returns the post-process step used for an ad-hoc read of tag.
func ForTag(tag s7.Tag) PostProcess {
	return postFor(tag, nil, "")
}

func postFor(tag s7.Tag, precisions map[string]int, topic string) PostProcess {
	if !tag.DataType.IsFloat() {
		return PostProcess{Kind: None}
	}
	precision := DefaultPrecision
	if p, ok := precisions[topic]; ok {
		precision = p
	}
	if precision < 0 {
		return PostProcess{Kind: None}
	}
	return PostProcess{Kind: RoundTo, Precision: precision}
}
