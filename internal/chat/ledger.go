package chat

// ResolvedToolCalls returns the merged view of which tool-call ids are
// resolved and to what value. Three sources, later ones winning:
//
//  1. explicit `approved` fields on tool calls in the loaded history,
//  2. calls that appear inside any executed round, which were
//     auto-executed and count as approved,
//  3. live decisions made this session, including optimistic entries
//     whose round-trip has not completed yet.
func (c *Controller) ResolvedToolCalls() map[string]bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	resolved := make(map[string]bool)
	for _, msg := range c.messages {
		for _, call := range msg.ToolCalls {
			if call.Approved != nil {
				resolved[call.ID] = *call.Approved
			}
		}
		for _, round := range msg.ExecutedRounds {
			for _, call := range round.ToolCalls {
				resolved[call.ID] = true
			}
		}
	}
	for callID, approved := range c.live {
		resolved[callID] = approved
	}
	return resolved
}

// ExecutedOnlyToolCalls returns the ids of calls that ran inside an
// executed round without ever carrying explicit approval metadata.
// These never needed a decision (read-only or auto-approved tools), so
// no approval state should be shown for them.
func (c *Controller) ExecutedOnlyToolCalls() map[string]struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	explicit := make(map[string]struct{})
	for _, msg := range c.messages {
		for _, call := range msg.ToolCalls {
			if call.Approved != nil {
				explicit[call.ID] = struct{}{}
			}
		}
	}
	for callID := range c.live {
		explicit[callID] = struct{}{}
	}

	executedOnly := make(map[string]struct{})
	for _, msg := range c.messages {
		for _, round := range msg.ExecutedRounds {
			for _, call := range round.ToolCalls {
				if _, ok := explicit[call.ID]; !ok {
					executedOnly[call.ID] = struct{}{}
				}
			}
		}
	}
	return executedOnly
}
