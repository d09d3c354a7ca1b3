package rag

import (
	"bytes"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	applog "ragbase/internal/platform/log"
)

// Parser 文档解析器，把上传的原始字节提取为纯文本。
type Parser interface {
	Parse(data []byte, filename string) (string, error)
	SupportedTypes() []string
}

// ParserRegistry 按扩展名分发解析器，未注册的扩展名按纯文本处理。
type ParserRegistry struct {
	parsers map[string]Parser
}

// NewParserRegistry 注册默认解析器集合
func NewParserRegistry() *ParserRegistry {
	reg := &ParserRegistry{parsers: make(map[string]Parser)}
	reg.Register(&PlainTextParser{})
	reg.Register(&MarkdownParser{})
	reg.Register(&PDFParser{})
	reg.Register(&DOCXParser{})
	return reg
}

// Register 注册解析器
func (r *ParserRegistry) Register(p Parser) {
	for _, ext := range p.SupportedTypes() {
		r.parsers[strings.ToLower(ext)] = p
	}
}

// Parse 解析文件内容为纯文本
func (r *ParserRegistry) Parse(data []byte, filename string) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	parser, ok := r.parsers[ext]
	if !ok {
		parser = &PlainTextParser{}
	}
	return parser.Parse(data, filename)
}

// ── Plain text ───────────────────────────────────────────────

// PlainTextParser 纯文本及文本类格式
type PlainTextParser struct{}

func (p *PlainTextParser) SupportedTypes() []string {
	return []string{".txt", ".text", ".csv", ".log", ".json", ".xml", ".yaml", ".yml"}
}

func (p *PlainTextParser) Parse(data []byte, _ string) (string, error) {
	return strings.TrimSpace(string(data)), nil
}

// ── Markdown ─────────────────────────────────────────────────

// MarkdownParser 去除 Markdown 格式标记，保留正文
type MarkdownParser struct{}

var (
	reMarkdownHeader = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	reMarkdownBold   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reMarkdownItalic = regexp.MustCompile(`\*(.+?)\*`)
	reMarkdownFence  = regexp.MustCompile("```[\\s\\S]*?```")
	reMarkdownInline = regexp.MustCompile("`([^`]+)`")
	reMarkdownLink   = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	reMarkdownImage  = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
	reMarkdownHTML   = regexp.MustCompile(`<[^>]+>`)
	reMultiNewlines  = regexp.MustCompile(`\n{3,}`)
)

func (p *MarkdownParser) SupportedTypes() []string {
	return []string{".md", ".markdown"}
}

func (p *MarkdownParser) Parse(data []byte, _ string) (string, error) {
	text := string(data)

	// 代码块保留内容，去掉围栏
	text = reMarkdownFence.ReplaceAllStringFunc(text, func(s string) string {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.Index(s, "\n"); idx >= 0 {
			s = s[idx+1:]
		}
		return strings.TrimSpace(strings.TrimSuffix(s, "```"))
	})

	text = reMarkdownImage.ReplaceAllString(text, "$1")
	text = reMarkdownLink.ReplaceAllString(text, "$1")
	text = reMarkdownBold.ReplaceAllString(text, "$1")
	text = reMarkdownItalic.ReplaceAllString(text, "$1")
	text = reMarkdownInline.ReplaceAllString(text, "$1")
	text = reMarkdownHeader.ReplaceAllString(text, "")
	text = reMarkdownHTML.ReplaceAllString(text, "")

	return strings.TrimSpace(reMultiNewlines.ReplaceAllString(text, "\n\n")), nil
}

// ── PDF ──────────────────────────────────────────────────────

// PDFParser 提取 PDF 文本
type PDFParser struct{}

func (p *PDFParser) SupportedTypes() []string {
	return []string{".pdf"}
}

func (p *PDFParser) Parse(data []byte, _ string) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			applog.Warn("[RAG/Parser] Failed to extract PDF page", "page", i, "error", err)
			continue
		}
		if text = strings.TrimSpace(text); text != "" {
			sb.WriteString(text)
			sb.WriteString("\n\n")
		}
	}

	return strings.TrimSpace(reMultiNewlines.ReplaceAllString(sb.String(), "\n\n")), nil
}

// ── DOCX ─────────────────────────────────────────────────────

// DOCXParser 提取 Word 文档文本
type DOCXParser struct{}

func (p *DOCXParser) SupportedTypes() []string {
	return []string{".docx"}
}

func (p *DOCXParser) Parse(data []byte, _ string) (string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer r.Close()

	// docx 库返回内部 XML，段落结束符换成换行后再剥掉标签
	content := r.Editable().GetContent()
	content = strings.ReplaceAll(content, "</w:p>", "\n")
	content = reMarkdownHTML.ReplaceAllString(content, "")
	var sb strings.Builder
	for _, line := range strings.Split(content, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}

	return strings.TrimSpace(reMultiNewlines.ReplaceAllString(sb.String(), "\n\n")), nil
}
