package agent

import (
	"fmt"
	"strings"
)

// Stage describes one pipeline agent: its role prompt and the artifact it
// must produce.
type Stage struct {
	Name     string
	Artifact string
	System   string
}

// StageInputs is everything a stage sees beyond its system prompt.
type StageInputs struct {
	PriorArtifact string   // the previous stage's artifact this cycle
	Memory        string   // the agent's own accumulated memory
	Notes         []string // mailbox messages addressed to this agent
	Extra         string   // stage-specific context (e.g. trade history for evaluate)
}

// Artifact file names, in pipeline order.
const (
	ArtifactPlan       = "plan.md"
	ArtifactResearch   = "research.md"
	ArtifactAnalysis   = "analysis.md"
	ArtifactStrategy   = "strategy.json"
	ArtifactEvaluation = "evaluation.md"
)

// Pipeline returns the four cycle stages in execution order.
func Pipeline() []Stage {
	return []Stage{
		{
			Name:     "plan",
			Artifact: ArtifactPlan,
			System: "You are the planning agent of an autonomous crypto trading desk. " +
				"Review the evaluation of the previous cycle, your memory, and any notes from other agents, " +
				"then write a concise markdown plan: which assets to investigate, what hypotheses to test, " +
				"and what would change your mind. Use your tools to check current prices and open positions " +
				"before committing to a direction.",
		},
		{
			Name:     "research",
			Artifact: ArtifactResearch,
			System: "You are the research agent of an autonomous crypto trading desk. " +
				"Execute the plan you are given: gather current prices, indicator readings, recent trades " +
				"and position state through your tools, and write a markdown research report with the raw " +
				"observations. Report numbers exactly as the tools return them; do not interpret yet.",
		},
		{
			Name:     "analyze",
			Artifact: ArtifactAnalysis,
			System: "You are the analysis agent of an autonomous crypto trading desk. " +
				"Interpret the research report: identify tradeable setups, their invalidation levels, and " +
				"sensible stops and targets. Write a markdown analysis that names, for each candidate trade, " +
				"the asset, direction, entry style, and the exact conditions under which the thesis fails.",
		},
		{
			Name:     "synthesize",
			Artifact: ArtifactStrategy,
			System: "You are the synthesis agent of an autonomous crypto trading desk. " +
				"Turn the analysis into one strategy document for the execution engine. Respond with " +
				"ONLY a JSON object: mode, posture, validity_window (ISO-8601, a few hours out), " +
				"portfolio_risk {max_drawdown_pct, daily_loss_limit_usd, max_total_exposure_pct, max_per_position_pct}, " +
				"and positions[] each with id, asset, direction, allocation_pct, entry_type " +
				"(market|limit|conditional), optional entry_limit_price or entry_condition, optional " +
				"take_profit_targets [{price, close_pct}], optional stop_loss {type: hard|trailing, price, trail_pct}, " +
				"optional time_exit_utc and invalidation_condition. No prose, no code fences.",
		},
	}
}

// EvaluateStage is the optional first stage of a cycle: it reviews the
// previous completed cycle before planning starts.
func EvaluateStage() Stage {
	return Stage{
		Name:     "evaluate",
		Artifact: ArtifactEvaluation,
		System: "You are the evaluation agent of an autonomous crypto trading desk. " +
			"Compare the previous cycle's strategy against what actually traded: which positions entered, " +
			"which exits fired and why, and what the realised results were. Write a markdown evaluation " +
			"with concrete lessons, and state clearly what the next plan should do differently.",
	}
}

// BuildPrompt assembles the user prompt from the stage's inputs.
func BuildPrompt(in StageInputs) string {
	var sb strings.Builder

	if len(in.Notes) > 0 {
		sb.WriteString("## Notes from other agents\n\n")
		for _, note := range in.Notes {
			fmt.Fprintf(&sb, "- %s\n", note)
		}
		sb.WriteString("\n")
	}
	if in.Memory != "" {
		sb.WriteString("## Your memory from earlier cycles\n\n")
		sb.WriteString(in.Memory)
		sb.WriteString("\n\n")
	}
	if in.Extra != "" {
		sb.WriteString("## Additional context\n\n")
		sb.WriteString(in.Extra)
		sb.WriteString("\n\n")
	}
	if in.PriorArtifact != "" {
		sb.WriteString("## Input artifact\n\n")
		sb.WriteString(in.PriorArtifact)
		sb.WriteString("\n\n")
	}

	sb.WriteString("Produce your artifact now.")
	return sb.String()
}
