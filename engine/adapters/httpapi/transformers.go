package httpapi

import (
	"encoding/json"
	"fmt"
	"time"

	"cadence/engine/models"
)

// Transformer turns one webhook payload into metric events. Transformers
// are pure functions of the payload; registration happens at composition
// time.
type Transformer func(payload []byte, now time.Time) ([]models.MetricEvent, error)

// genericTransformer accepts the fallback envelope {"metrics": [...]}
// used by unknown sources.
func genericTransformer(source string) Transformer {
	return func(payload []byte, now time.Time) ([]models.MetricEvent, error) {
		var env struct {
			Metrics []models.MetricEvent `json:"metrics"`
		}
		if err := json.Unmarshal(payload, &env); err != nil {
			return nil, models.E(models.KindValidation, "webhook.generic", err)
		}
		for i := range env.Metrics {
			if env.Metrics[i].Source == "" {
				env.Metrics[i].Source = source
			}
			if env.Metrics[i].Timestamp.IsZero() {
				env.Metrics[i].Timestamp = now
			}
		}
		return env.Metrics, nil
	}
}

// instagramTransformer maps the platform's insight envelope onto events.
func instagramTransformer(payload []byte, now time.Time) ([]models.MetricEvent, error) {
	var env struct {
		Account  string `json:"account"`
		Insights []struct {
			Name  string  `json:"name"`
			Value float64 `json:"value"`
		} `json:"insights"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, models.E(models.KindValidation, "webhook.instagram", err)
	}
	out := make([]models.MetricEvent, 0, len(env.Insights))
	for _, ins := range env.Insights {
		out = append(out, models.MetricEvent{
			ModelName:  env.Account,
			MetricName: ins.Name,
			Value:      ins.Value,
			Platform:   "instagram",
			Timestamp:  now,
			Source:     "webhook:instagram",
		})
	}
	return out, nil
}

// tiktokTransformer flattens the stats object into one event per field.
func tiktokTransformer(payload []byte, now time.Time) ([]models.MetricEvent, error) {
	var env struct {
		Creator string             `json:"creator"`
		Stats   map[string]float64 `json:"stats"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, models.E(models.KindValidation, "webhook.tiktok", err)
	}
	if env.Creator == "" {
		return nil, models.E(models.KindValidation, "webhook.tiktok", fmt.Errorf("creator required"))
	}
	out := make([]models.MetricEvent, 0, len(env.Stats))
	for name, value := range env.Stats {
		out = append(out, models.MetricEvent{
			ModelName:  env.Creator,
			MetricName: name,
			Value:      value,
			Platform:   "tiktok",
			Timestamp:  now,
			Source:     "webhook:tiktok",
		})
	}
	return out, nil
}

func defaultTransformers() map[string]Transformer {
	return map[string]Transformer{
		"instagram": instagramTransformer,
		"tiktok":    tiktokTransformer,
	}
}
