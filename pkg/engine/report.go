package engine

// ExitCode returns 0 iff no required descriptor failed.
func (r *Report) ExitCode() int {
	if r.Summary.RequiredFailed > 0 {
		return 1
	}
	return 0
}

// Failed returns the failed results in report order.
func (r *Report) Failed() []DescriptorResult {
	failed := make([]DescriptorResult, 0, r.Summary.Failed)
	for _, res := range r.Results {
		if res.Outcome == OutcomeFailed {
			failed = append(failed, res)
		}
	}
	return failed
}

// Result returns the result for key.
func (r *Report) Result(key string) (DescriptorResult, bool) {
	for _, res := range r.Results {
		if res.Key == key {
			return res, true
		}
	}
	return DescriptorResult{}, false
}

// Outcomes returns the outcome of every descriptor in report order.
func (r *Report) Outcomes() []Outcome {
	out := make([]Outcome, len(r.Results))
	for i, res := range r.Results {
		out[i] = res.Outcome
	}
	return out
}

func summarize(results []DescriptorResult) ReportSummary {
	summary := ReportSummary{Total: len(results)}
	for _, res := range results {
		switch res.Outcome {
		case OutcomeAlreadySatisfied:
			summary.AlreadySatisfied++
		case OutcomeApplied:
			summary.Applied++
		case OutcomeSkipped:
			summary.Skipped++
		case OutcomeFailed:
			summary.Failed++
			if res.Required {
				summary.RequiredFailed++
			}
		}
	}
	return summary
}

func statusOf(summary ReportSummary) RunStatus {
	switch {
	case summary.RequiredFailed > 0:
		return RunStatusFailed
	case summary.Failed > 0:
		return RunStatusPartial
	default:
		return RunStatusSucceeded
	}
}
