package rag

import (
	"strings"

	applog "ragbase/internal/platform/log"
)

// defaultSeparators 递归分隔符级联：段落 → 行 → 空格 → 逐字符硬切。
var defaultSeparators = []string{"\n\n", "\n", " ", ""}

// RecursiveSplitter 递归字符分块器。
// 先按粗粒度分隔符切分，超长的片段再按更细的分隔符递归切分，
// 最后把小片段合并为不超过 chunkSize 的块，相邻块保留 chunkOverlap
// 个字符的重叠上下文。长度按字符（rune）计，不按 token。
// 相同输入永远产出相同的块序列（重复入库幂等的前提）。
type RecursiveSplitter struct {
	chunkSize    int
	chunkOverlap int
	separators   []string
}

// NewRecursiveSplitter 创建分块器。overlap >= size 属于配置错误，直接拒绝。
func NewRecursiveSplitter(chunkSize, chunkOverlap int, separators ...string) (*RecursiveSplitter, error) {
	if chunkSize <= 0 {
		return nil, NewConfigError("chunk_size must be positive, got %d", chunkSize)
	}
	if chunkOverlap < 0 {
		return nil, NewConfigError("chunk_overlap must not be negative, got %d", chunkOverlap)
	}
	if chunkOverlap >= chunkSize {
		return nil, NewConfigError("chunk_overlap (%d) must be smaller than chunk_size (%d)", chunkOverlap, chunkSize)
	}
	if len(separators) == 0 {
		separators = defaultSeparators
	}
	return &RecursiveSplitter{
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
		separators:   separators,
	}, nil
}

// Split 将文本切分为有序块序列。空文本返回 nil。
func (s *RecursiveSplitter) Split(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	return s.splitText(text, s.separators)
}

// SplitDocuments 切分并附加元数据。每块获得 chunk_index/chunk_total，
// 与调用方提供的 baseMetadata 合并（保留字段以分块结果为准）。
func (s *RecursiveSplitter) SplitDocuments(text string, baseMetadata map[string]any) []Document {
	chunks := s.Split(text)
	if len(chunks) == 0 {
		return nil
	}

	docs := make([]Document, 0, len(chunks))
	for i, chunk := range chunks {
		meta := make(map[string]any, len(baseMetadata)+2)
		for k, v := range baseMetadata {
			meta[k] = v
		}
		meta[MetaChunkIndex] = i
		meta[MetaChunkTotal] = len(chunks)
		docs = append(docs, Document{Content: chunk, Metadata: meta})
	}

	applog.Debug("[RAG/Splitter] Text split",
		"chunks", len(chunks),
		"chunk_size", s.chunkSize,
		"chunk_overlap", s.chunkOverlap,
	)
	return docs
}

// splitText 按当前级别分隔符切分，超长片段递归使用更细的分隔符。
func (s *RecursiveSplitter) splitText(text string, separators []string) []string {
	separator := separators[len(separators)-1]
	var nextSeparators []string
	for i, sep := range separators {
		if sep == "" {
			separator = sep
			break
		}
		if strings.Contains(text, sep) {
			separator = sep
			nextSeparators = separators[i+1:]
			break
		}
	}

	splits := splitOn(text, separator)

	var final []string
	var good []string
	for _, piece := range splits {
		if runeLen(piece) < s.chunkSize {
			good = append(good, piece)
			continue
		}
		// 片段超长：先落盘已累积的小片段，再递归细分
		if len(good) > 0 {
			final = append(final, s.mergeSplits(good, separator)...)
			good = nil
		}
		if nextSeparators == nil {
			final = append(final, piece)
		} else {
			final = append(final, s.splitText(piece, nextSeparators)...)
		}
	}
	if len(good) > 0 {
		final = append(final, s.mergeSplits(good, separator)...)
	}
	return final
}

// mergeSplits 把相邻小片段合并为接近 chunkSize 的块，并用滑动窗口
// 保留上一块尾部最多 chunkOverlap 个字符作为下一块的开头。
func (s *RecursiveSplitter) mergeSplits(splits []string, separator string) []string {
	sepLen := runeLen(separator)

	var docs []string
	var current []string
	total := 0

	for _, piece := range splits {
		l := runeLen(piece)
		extra := 0
		if len(current) > 0 {
			extra = sepLen
		}
		if total+l+extra > s.chunkSize && len(current) > 0 {
			if doc := joinTrimmed(current, separator); doc != "" {
				docs = append(docs, doc)
			}
			// 回退窗口直到满足 overlap 且能容纳新片段
			for total > s.chunkOverlap || (total+l+extra > s.chunkSize && total > 0) {
				dec := runeLen(current[0])
				if len(current) > 1 {
					dec += sepLen
				}
				total -= dec
				current = current[1:]
			}
		}
		current = append(current, piece)
		total += l
		if len(current) > 1 {
			total += sepLen
		}
	}

	if doc := joinTrimmed(current, separator); doc != "" {
		docs = append(docs, doc)
	}
	return docs
}

// splitOn 空分隔符表示逐字符切分。
func splitOn(text, separator string) []string {
	if separator == "" {
		runes := []rune(text)
		out := make([]string, 0, len(runes))
		for _, r := range runes {
			out = append(out, string(r))
		}
		return out
	}
	parts := strings.Split(text, separator)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func joinTrimmed(parts []string, separator string) string {
	return strings.TrimSpace(strings.Join(parts, separator))
}

func runeLen(s string) int {
	return len([]rune(s))
}
