package models

// AgentLimits bounds one agent's per-run resource consumption.
type AgentLimits struct {
	MaxLoops        int `json:"max_loops"`
	MaxToolsPerTask int `json:"max_tools_per_task"`
	RunTimeoutMs    int `json:"run_timeout_ms"`
}

// AgentProfile configures one addressable agent identity: its role, prompt,
// provider, tool registry, and limits. Owned by the runtime; immutable after
// upsert except for tool-registry mutation.
type AgentProfile struct {
	AgentID            string      `json:"agent_id"`
	Role               string      `json:"role"`
	SystemPrompt       string      `json:"system_prompt"`
	ProviderHandle     string      `json:"provider_handle"`
	ToolRegistryHandle string      `json:"tool_registry_handle"`
	MemoryHandle       string      `json:"memory_handle,omitempty"`
	Limits             AgentLimits `json:"limits"`
}

// IsController reports whether this profile's role marks it as the
// distinguished agent permitted to dispatch child runs on other agents.
func (p *AgentProfile) IsController() bool {
	return p != nil && p.Role == "controller"
}
