package models

// ApplyDelta merges a streaming partial update into the message. Only the
// streaming fields (content, reasoning, tool calls) are touched; identity
// and tree position are immutable after creation.
func (m *Message) ApplyDelta(d AssistantDelta) {
	if d.SetContent != nil {
		// copy the parts slice so later appends to m cannot write through
		// into the delta (or into anything else holding that body)
		c := *d.SetContent
		c.Parts = append([]Part(nil), c.Parts...)
		m.Content = c
	}
	m.Content.AppendText(d.AppendText)
	m.Reasoning += d.AppendReasoning
	for _, tc := range d.ToolCalls {
		m.upsertToolCall(tc)
	}
}

func (m *Message) upsertToolCall(tc ToolCall) {
	for i := range m.ToolCalls {
		if m.ToolCalls[i].ID == tc.ID {
			m.ToolCalls[i] = tc
			return
		}
	}
	m.ToolCalls = append(m.ToolCalls, tc)
}

// Merge folds next into d so that applying d once equals applying both in
// order. A SetContent in next supersedes any text appended before it.
func (d *AssistantDelta) Merge(next AssistantDelta) {
	if next.SetContent != nil {
		d.SetContent = next.SetContent
		d.AppendText = ""
	}
	d.AppendText += next.AppendText
	d.AppendReasoning += next.AppendReasoning
	for _, tc := range next.ToolCalls {
		d.mergeToolCall(tc)
	}
}

func (d *AssistantDelta) mergeToolCall(tc ToolCall) {
	for i := range d.ToolCalls {
		if d.ToolCalls[i].ID == tc.ID {
			d.ToolCalls[i] = tc
			return
		}
	}
	d.ToolCalls = append(d.ToolCalls, tc)
}
