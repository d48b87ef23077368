package executor

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile 描述一类 worker 的名称、技能与各技能的系统提示词。
type Profile struct {
	Name    string            `yaml:"name"`
	Skills  []string          `yaml:"skills"`
	Prompts map[string]string `yaml:"prompts"`
}

// Profiles 汇总 worker 画像、任务类型别名与默认提示词。
type Profiles struct {
	Workers       []Profile         `yaml:"workers"`
	Aliases       map[string]string `yaml:"aliases"`
	DefaultPrompt string            `yaml:"default_prompt"`
}

const defaultPrompt = "You are a helpful AI agent. Process the following task:"

// DefaultProfiles 返回内置的三类 worker 画像。
func DefaultProfiles() Profiles {
	return Profiles{
		Workers: []Profile{
			{
				Name:   "summarizer",
				Skills: []string{"summarize", "tldr", "abstract"},
				Prompts: map[string]string{
					"summarize": "You are a concise summarization agent. Summarize the following in 3-5 bullet points:",
					"tldr":      "You are a TLDR agent. Give a 1-2 sentence summary of:",
					"abstract":  "You are a research abstract agent. Write a structured abstract for:",
				},
			},
			{
				Name:   "code-reviewer",
				Skills: []string{"review", "lint", "security-scan"},
				Prompts: map[string]string{
					"review":        "You are a code review agent. Identify issues, bugs, and improvements in:",
					"lint":          "You are a linting agent. Check for style issues and best practice violations in:",
					"security-scan": "You are a security audit agent. Find security vulnerabilities in:",
				},
			},
			{
				Name:   "data-analyst",
				Skills: []string{"analyze", "stats", "chart"},
				Prompts: map[string]string{
					"analyze": "You are a data analysis agent. Analyze and provide insights on:",
					"stats":   "You are a statistical analysis agent. Compute key statistics for:",
					"chart":   "You are a data visualization agent. Describe what charts would best represent:",
				},
			},
		},
		DefaultPrompt: defaultPrompt,
	}
}

// LoadProfiles 从 YAML 文件加载 worker 画像。路径为空时返回内置画像。
func LoadProfiles(path string) (Profiles, error) {
	if strings.TrimSpace(path) == "" {
		return DefaultProfiles(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return Profiles{}, fmt.Errorf("读取 worker 画像失败: %w", err)
	}
	var profiles Profiles
	if err := yaml.Unmarshal(content, &profiles); err != nil {
		return Profiles{}, fmt.Errorf("解析 worker 画像失败: %w", err)
	}
	if len(profiles.Workers) == 0 {
		return Profiles{}, fmt.Errorf("worker 画像文件 %s 未定义任何 worker", path)
	}
	if profiles.DefaultPrompt == "" {
		profiles.DefaultPrompt = defaultPrompt
	}
	return profiles, nil
}

// Resolve 将任务类型解析为规范技能名，未配置别名时原样返回。
func (p Profiles) Resolve(taskType string) string {
	if alias, ok := p.Aliases[taskType]; ok && alias != "" {
		return alias
	}
	return taskType
}

// Known 判断任务类型（或其别名）是否被任一 worker 技能覆盖。
func (p Profiles) Known(taskType string) bool {
	skill := p.Resolve(taskType)
	for _, w := range p.Workers {
		for _, s := range w.Skills {
			if strings.EqualFold(s, skill) {
				return true
			}
		}
	}
	return false
}

// PromptFor 返回任务类型对应的系统提示词。
func (p Profiles) PromptFor(taskType string) string {
	skill := p.Resolve(taskType)
	for _, w := range p.Workers {
		if prompt, ok := w.Prompts[skill]; ok && prompt != "" {
			return prompt
		}
	}
	return p.DefaultPrompt
}
