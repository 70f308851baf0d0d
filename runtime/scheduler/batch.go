package scheduler

// AgentLimits maps an agent name to its maximum concurrent tasks. The
// wildcard key "*" applies to any agent without an explicit entry.
type AgentLimits map[string]int

// limitFor returns the configured limit for agent, falling back to the
// wildcard limit, or to 1 if neither is configured.
func (l AgentLimits) limitFor(agent string) int {
	if n, ok := l[agent]; ok {
		return n
	}
	if n, ok := l["*"]; ok {
		return n
	}
	return 1
}

// SelectBatch picks the subset of runnable tasks to dispatch this pass,
// given each agent's current in-flight count, the per-agent limit map,
// and a global concurrency cap. It round-robins across agents so one
// busy agent does not starve the others' ready work.
//
// If the limits would otherwise produce an empty batch while runnable
// is non-empty, SelectBatch forces exactly one task through to avoid
// deadlocking the run.
func SelectBatch(runnable []Runnable, inFlight map[string]int, limits AgentLimits, globalLimit int) []Runnable {
	if len(runnable) == 0 {
		return nil
	}

	byAgent := make(map[string][]Runnable)
	var agentOrder []string
	for _, r := range runnable {
		if _, seen := byAgent[r.Agent]; !seen {
			agentOrder = append(agentOrder, r.Agent)
		}
		byAgent[r.Agent] = append(byAgent[r.Agent], r)
	}

	used := make(map[string]int, len(inFlight))
	for agent, n := range inFlight {
		used[agent] = n
	}

	var batch []Runnable
	globalUsed := totalInFlight(inFlight)
	progressed := true
	for progressed && (globalLimit <= 0 || globalUsed < globalLimit) {
		progressed = false
		for _, agent := range agentOrder {
			queue := byAgent[agent]
			if len(queue) == 0 {
				continue
			}
			if globalLimit > 0 && globalUsed >= globalLimit {
				break
			}
			limit := limits.limitFor(agent)
			if limit > 0 && used[agent] >= limit {
				continue
			}
			batch = append(batch, queue[0])
			byAgent[agent] = queue[1:]
			used[agent]++
			globalUsed++
			progressed = true
		}
	}

	if len(batch) == 0 {
		batch = append(batch, runnable[0])
	}
	return batch
}

func totalInFlight(inFlight map[string]int) int {
	total := 0
	for _, n := range inFlight {
		total += n
	}
	return total
}
