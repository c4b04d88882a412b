package worker

import (
	"encoding/json"

	"github.com/taskbridge/taskbridge/core/backend"
)

var attachmentContentTypes = map[string]bool{
	"file":       true,
	"image":      true,
	"audio":      true,
	"video":      true,
	"attachment": true,
}

// ExtractAttachments recovers attachment records from an agent reply. It
// first looks at metadata.attachments; if that is empty it falls back to
// scanning a segmented content body for file/image/audio/video parts.
func ExtractAttachments(msg backend.AgentMessage) []map[string]any {
	if len(msg.Metadata.Attachments) > 0 {
		return msg.Metadata.Attachments
	}

	var parts []any
	var content map[string]any
	if len(msg.Content) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Content, &content); err == nil && content != nil {
		if content["type"] == "segments" {
			if p, ok := content["parts"].([]any); ok {
				parts = p
			}
		}
	} else {
		var list []any
		if err := json.Unmarshal(msg.Content, &list); err == nil {
			parts = list
		}
	}

	var attachments []map[string]any
	for _, piece := range parts {
		m, ok := piece.(map[string]any)
		if !ok {
			continue
		}
		kind, _ := m["type"].(string)
		if attachmentContentTypes[kind] {
			attachments = append(attachments, m)
		}
	}
	return attachments
}
