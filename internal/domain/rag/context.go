package rag

import (
	"fmt"
	"strings"
)

// FormatContext 将检索结果格式化为 LLM 提示词上下文。
func FormatContext(result *RetrievalResult) string {
	if result == nil || len(result.Documents) == 0 {
		return ""
	}

	var sb strings.Builder
	for i, doc := range result.Documents {
		sb.WriteString(fmt.Sprintf("Context %d:\n%s\n", i+1, doc.Content))
		if source, ok := doc.Metadata[MetaSource].(string); ok && source != "" {
			sb.WriteString(fmt.Sprintf("(source: %s)\n", source))
		}
		sb.WriteString("\n")
	}
	return strings.TrimSpace(sb.String())
}
