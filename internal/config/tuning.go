package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Tuning holds the algorithm knobs that are tuned empirically rather than
// per deployment. Values come from TOML files layered over DefaultTuning.
type Tuning struct {
	Screener   ScreenerTuning   `toml:"screener"`
	Similarity SimilarityTuning `toml:"similarity"`
	Breaker    BreakerTuning    `toml:"breaker"`
	Pipeline   PipelineTuning   `toml:"pipeline"`
	Worker     WorkerTuning     `toml:"worker"`
	Policy     PolicyTuning     `toml:"policy"`
	Topics     []TopicTuning    `toml:"topics"`
}

type ScreenerTuning struct {
	MinInformativeWords int      `toml:"min_informative_words"`
	VaguePrefixes       []string `toml:"vague_prefixes"`
	QualifierWords      []string `toml:"qualifier_words"`
	BroadenQuestion     string   `toml:"broaden_question"`
	NarrowQuestion      string   `toml:"narrow_question"`
	SpecificityQuestion string   `toml:"specificity_question"`
}

type SimilarityTuning struct {
	TopicWeight     float64 `toml:"topic_weight"`
	InterestWeight  float64 `toml:"interest_weight"`
	KeywordWeight   float64 `toml:"keyword_weight"`
	RecencyWeight   float64 `toml:"recency_weight"`
	HighThreshold   float64 `toml:"high_threshold"`
	MediumThreshold float64 `toml:"medium_threshold"`
	FreshnessDays   int     `toml:"freshness_days"`
	CandidateLimit  int     `toml:"candidate_limit"`
}

type BreakerTuning struct {
	FailureThreshold int                      `toml:"failure_threshold"`
	WindowSeconds    int                      `toml:"window_seconds"`
	CooldownSeconds  int                      `toml:"cooldown_seconds"`
	Services         map[string]ServiceTuning `toml:"services"`
}

type ServiceTuning struct {
	TimeoutSeconds   int `toml:"timeout_seconds"`
	FailureThreshold int `toml:"failure_threshold"`
	CooldownSeconds  int `toml:"cooldown_seconds"`
}

type PipelineTuning struct {
	MinDurationSeconds     int            `toml:"min_duration_seconds"`
	MaxDurationSeconds     int            `toml:"max_duration_seconds"`
	DefaultDurationSeconds int            `toml:"default_duration_seconds"`
	WordsPerSecond         float64        `toml:"words_per_second"`
	ContextTokenBudget     int            `toml:"context_token_budget"`
	StageWeights           map[string]int `toml:"stage_weights"`
}

type WorkerTuning struct {
	BatchSize        int `toml:"batch_size"`
	PoolSize         int `toml:"pool_size"`
	LeaseWaitSeconds int `toml:"lease_wait_seconds"`
}

type PolicyTuning struct {
	BlockedSubjects []string `toml:"blocked_subjects"`
}

type TopicTuning struct {
	ID       string   `toml:"id"`
	Name     string   `toml:"name"`
	Aliases  []string `toml:"aliases"`
	Keywords []string `toml:"keywords"`
	// Notes are short reference facts fed to context retrieval.
	Notes    []string `toml:"notes"`
}

func DefaultTuning() Tuning {
	return Tuning{
		Screener: ScreenerTuning{
			MinInformativeWords: 3,
			VaguePrefixes: []string{
				"tell me about",
				"tell me",
				"explain",
				"what is",
				"what are",
				"describe",
				"teach me",
				"teach me about",
				"i want to learn about",
				"learn about",
				"talk about",
			},
			QualifierWords: []string{
				"how", "why", "when", "where", "which", "between", "versus", "vs",
				"because", "during", "compared", "difference", "affect", "affects",
				"cause", "causes", "work", "works", "impact",
			},
			BroadenQuestion:     "Would you like a broad overview of {{subject}} that covers its main ideas?",
			NarrowQuestion:      "Is there one part of {{subject}} you want to focus on, such as a process, an event, or an example?",
			SpecificityQuestion: "What do you already know about {{subject}}, and what do you want to be able to explain afterwards?",
		},
		Similarity: SimilarityTuning{
			TopicWeight:     50,
			InterestWeight:  30,
			KeywordWeight:   10,
			RecencyWeight:   5,
			HighThreshold:   60,
			MediumThreshold: 40,
			FreshnessDays:   30,
			CandidateLimit:  200,
		},
		Breaker: BreakerTuning{
			FailureThreshold: 5,
			WindowSeconds:    60,
			CooldownSeconds:  30,
			Services: map[string]ServiceTuning{
				"text_generation":  {TimeoutSeconds: 45},
				"speech_synthesis": {TimeoutSeconds: 60},
				"video_assembly":   {TimeoutSeconds: 180},
			},
		},
		Pipeline: PipelineTuning{
			MinDurationSeconds:     30,
			MaxDurationSeconds:     180,
			DefaultDurationSeconds: 90,
			WordsPerSecond:         2.5,
			ContextTokenBudget:     1200,
			StageWeights: map[string]int{
				"topic_extraction":  10,
				"context_retrieval": 10,
				"script_generation": 35,
				"speech_synthesis":  25,
				"video_assembly":    20,
			},
		},
		Worker: WorkerTuning{
			BatchSize:        8,
			PoolSize:         4,
			LeaseWaitSeconds: 5,
		},
		Policy: PolicyTuning{
			BlockedSubjects: []string{
				"weapon", "explosive", "bomb", "gambling", "casino", "porn",
				"drugs", "hacking", "malware",
			},
		},
		Topics: []TopicTuning{
			{ID: "biology.photosynthesis", Name: "photosynthesis", Aliases: []string{"plant energy", "chlorophyll"}, Keywords: []string{"sunlight", "chlorophyll", "glucose", "carbon", "plant"},
				Notes: []string{"Plants turn light energy into chemical energy stored in glucose.", "Chlorophyll in chloroplasts absorbs mostly red and blue light.", "Photosynthesis takes in carbon dioxide and water and releases oxygen."}},
			{ID: "biology.cells", Name: "cells", Aliases: []string{"cell biology", "cell"}, Keywords: []string{"nucleus", "membrane", "mitochondria", "organelle"},
				Notes: []string{"The cell is the smallest unit of life.", "The membrane controls what enters and leaves a cell.", "Mitochondria release energy from food for the cell to use."}},
			{ID: "earth.volcanoes", Name: "volcanoes", Aliases: []string{"volcano", "eruption"}, Keywords: []string{"magma", "lava", "plate", "eruption", "crust"},
				Notes: []string{"Magma rises through cracks in the crust because it is less dense than the rock around it.", "Most volcanoes form along the boundaries of tectonic plates.", "Lava is magma that has reached the surface."}},
			{ID: "physics.gravity", Name: "gravity", Aliases: []string{"gravitation"}, Keywords: []string{"mass", "force", "orbit", "acceleration"},
				Notes: []string{"Gravity pulls every mass toward every other mass.", "Near Earth, falling objects speed up by about 9.8 metres per second every second.", "The Moon stays in orbit because gravity keeps bending its path."}},
			{ID: "math.fractions", Name: "fractions", Aliases: []string{"fraction"}, Keywords: []string{"numerator", "denominator", "ratio", "divide"},
				Notes: []string{"A fraction names equal parts of a whole.", "The denominator says how many equal parts the whole is split into.", "Equivalent fractions name the same amount with different numbers."}},
			{ID: "history.roman_empire", Name: "roman empire", Aliases: []string{"ancient rome", "romans"}, Keywords: []string{"caesar", "senate", "legion", "republic"},
				Notes: []string{"Rome became an empire when Augustus took power in 27 BC.", "The Senate kept meeting under the emperors but lost most of its power.", "Roman legions built roads that connected the empire."}},
		},
	}
}

// LoadTuning decodes every existing file in order over the defaults, so a
// runtime-specific file can override values from a base file.
func LoadTuning(paths ...string) (Tuning, error) {
	tuning := DefaultTuning()
	for _, path := range paths {
		trimmed := strings.TrimSpace(path)
		if trimmed == "" || !fileExists(trimmed) {
			continue
		}
		if _, err := toml.DecodeFile(trimmed, &tuning); err != nil {
			return DefaultTuning(), fmt.Errorf("decode tuning %s: %w", trimmed, err)
		}
	}
	return tuning, nil
}

// TuningPaths expands each base file with its runtime override, e.g.
// configs/pipeline.toml -> configs/pipeline.production.toml.
func TuningPaths(bases []string, runtime string) []string {
	paths := make([]string, 0, len(bases)*2)
	for _, base := range bases {
		paths = append(paths, base)
		runtime = strings.TrimSpace(runtime)
		if runtime == "" {
			continue
		}
		ext := filepath.Ext(base)
		paths = append(paths, strings.TrimSuffix(base, ext)+"."+runtime+ext)
	}
	return paths
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return !errors.Is(err, os.ErrNotExist)
}
