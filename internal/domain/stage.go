package domain

// Stage identifies one step of the generation pipeline.
type Stage string

const (
	StageIntake           Stage = "intake"
	StageTopicExtraction  Stage = "topic_extraction"
	StageContextRetrieval Stage = "context_retrieval"
	StageScriptGeneration Stage = "script_generation"
	StageSpeechSynthesis  Stage = "speech_synthesis"
	StageVideoAssembly    Stage = "video_assembly"
	StagePersisted        Stage = "persisted"
	StageDone             Stage = "done"
	StageUnsupported      Stage = "unsupported_query"
	StageFailed           Stage = "failed"
)

// WorkStages lists every stage that performs work, in execution order.
var WorkStages = []Stage{
	StageTopicExtraction,
	StageContextRetrieval,
	StageScriptGeneration,
	StageSpeechSynthesis,
	StageVideoAssembly,
	StagePersisted,
}

// Plan returns the work stages for a modality. Text-only requests never
// enter video assembly.
func Plan(modality Modality) []Stage {
	plan := make([]Stage, 0, len(WorkStages))
	for _, stage := range WorkStages {
		if stage == StageVideoAssembly && !modality.IncludesVideo() {
			continue
		}
		plan = append(plan, stage)
	}
	return plan
}
