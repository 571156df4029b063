package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/vandermeer/talespinner/pkg/types"
)

// registration tracks one plugin and its host-managed state.
type registration struct {
	plugin *Plugin
	state  Lifecycle

	// commands indexes the plugin's commands by name and alias.
	commands map[string]*Command
}

// Host manages plugin lifecycles and dispatches hooks, commands, and tools.
// Safe for concurrent use; hook handlers run outside the host lock.
type Host struct {
	log *slog.Logger

	mu     sync.Mutex
	byName map[string]*registration
	order  []string
}

// NewHost returns an empty host.
func NewHost(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{
		log:    logger.With("component", "plugin"),
		byName: make(map[string]*registration),
	}
}

// Register adds a plugin in the UNLOADED state. Registering a duplicate name
// is an error.
func (h *Host) Register(p *Plugin) error {
	if p == nil || p.Meta.Name == "" {
		return fmt.Errorf("plugin: plugin must have a name")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.byName[p.Meta.Name]; exists {
		return fmt.Errorf("plugin: %q already registered", p.Meta.Name)
	}
	reg := &registration{plugin: p, state: StateUnloaded, commands: make(map[string]*Command)}
	for i := range p.Commands {
		cmd := &p.Commands[i]
		reg.commands[cmd.Name] = cmd
		for _, alias := range cmd.Aliases {
			reg.commands[alias] = cmd
		}
	}
	h.byName[p.Meta.Name] = reg
	h.order = append(h.order, p.Meta.Name)
	return nil
}

// Load runs the plugin's OnLoad and moves it to LOADED. Loading an already
// loaded plugin is a no-op; a failing OnLoad leaves it in ERROR.
func (h *Host) Load(ctx context.Context, name string) error {
	reg, err := h.lookup(name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	state := reg.state
	h.mu.Unlock()
	switch state {
	case StateLoaded, StateEnabled, StateDisabled:
		return nil
	}

	if reg.plugin.OnLoad != nil {
		if err := reg.plugin.OnLoad(ctx); err != nil {
			h.setState(reg, StateError)
			h.log.Error("plugin load failed", "plugin", name, "error", err)
			return fmt.Errorf("plugin: load %q: %w", name, err)
		}
	}
	h.setState(reg, StateLoaded)
	h.log.Info("plugin loaded", "plugin", name, "version", reg.plugin.Meta.Version)
	return nil
}

// Enable activates a LOADED or DISABLED plugin.
func (h *Host) Enable(name string) error {
	reg, err := h.lookup(name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch reg.state {
	case StateLoaded, StateDisabled:
		reg.state = StateEnabled
		return nil
	case StateEnabled:
		return nil
	default:
		return fmt.Errorf("plugin: cannot enable %q from state %s", name, reg.state)
	}
}

// Disable deactivates an ENABLED plugin. Its hooks, commands, and tools stop
// dispatching until re-enabled.
func (h *Host) Disable(name string) error {
	reg, err := h.lookup(name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if reg.state != StateEnabled {
		return fmt.Errorf("plugin: cannot disable %q from state %s", name, reg.state)
	}
	reg.state = StateDisabled
	return nil
}

// Unload runs the plugin's OnUnload and returns it to UNLOADED.
func (h *Host) Unload(ctx context.Context, name string) error {
	reg, err := h.lookup(name)
	if err != nil {
		return err
	}
	h.mu.Lock()
	state := reg.state
	h.mu.Unlock()
	switch state {
	case StateUnloaded:
		return nil
	case StateError:
		h.setState(reg, StateUnloaded)
		return nil
	}

	if reg.plugin.OnUnload != nil {
		if err := reg.plugin.OnUnload(ctx); err != nil {
			h.setState(reg, StateError)
			return fmt.Errorf("plugin: unload %q: %w", name, err)
		}
	}
	h.setState(reg, StateUnloaded)
	h.log.Info("plugin unloaded", "plugin", name)
	return nil
}

// LoadAndEnableAll loads and enables every registered plugin, logging and
// skipping failures.
func (h *Host) LoadAndEnableAll(ctx context.Context) {
	for _, name := range h.names() {
		if err := h.Load(ctx, name); err != nil {
			continue
		}
		if err := h.Enable(name); err != nil {
			h.log.Warn("plugin enable failed", "plugin", name, "error", err)
		}
	}
}

// Plugin returns a registered plugin by name, or nil.
func (h *Host) Plugin(name string) *Plugin {
	h.mu.Lock()
	defer h.mu.Unlock()
	if reg, ok := h.byName[name]; ok {
		return reg.plugin
	}
	return nil
}

// State returns a plugin's lifecycle state, or UNLOADED for unknown names.
func (h *Host) State(name string) Lifecycle {
	h.mu.Lock()
	defer h.mu.Unlock()
	if reg, ok := h.byName[name]; ok {
		return reg.state
	}
	return StateUnloaded
}

// Plugins returns every registered plugin in registration order.
func (h *Host) Plugins() []*Plugin {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Plugin, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, h.byName[name].plugin)
	}
	return out
}

// Enabled returns the enabled plugins in registration order.
func (h *Host) Enabled() []*Plugin {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabledLocked()
}

func (h *Host) enabledLocked() []*Plugin {
	var out []*Plugin
	for _, name := range h.order {
		if reg := h.byName[name]; reg.state == StateEnabled {
			out = append(out, reg.plugin)
		}
	}
	return out
}

// CommandHandler resolves a command name or alias against the enabled
// plugins; the first enabled plugin owning it wins. Returns the command and
// its plugin, or nils.
func (h *Host) CommandHandler(name string) (*Command, *Plugin) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, pluginName := range h.order {
		reg := h.byName[pluginName]
		if reg.state != StateEnabled {
			continue
		}
		if cmd, ok := reg.commands[name]; ok {
			return cmd, reg.plugin
		}
	}
	return nil, nil
}

// CommandInfo describes one dispatchable command for help listings.
type CommandInfo struct {
	Name        string
	Description string
	Aliases     []string
	Plugin      string
}

// Commands lists every command offered by enabled plugins, first owner wins
// on name collisions.
func (h *Host) Commands() []CommandInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	seen := make(map[string]struct{})
	var out []CommandInfo
	for _, pluginName := range h.order {
		reg := h.byName[pluginName]
		if reg.state != StateEnabled {
			continue
		}
		for i := range reg.plugin.Commands {
			cmd := &reg.plugin.Commands[i]
			if _, dup := seen[cmd.Name]; dup {
				continue
			}
			seen[cmd.Name] = struct{}{}
			out = append(out, CommandInfo{
				Name:        cmd.Name,
				Description: cmd.Description,
				Aliases:     cmd.Aliases,
				Plugin:      pluginName,
			})
		}
	}
	return out
}

// Tools returns the LLM tool definitions of every enabled plugin, with names
// namespaced as "<plugin>.<tool>".
func (h *Host) Tools() []types.ToolDefinition {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []types.ToolDefinition
	for _, pluginName := range h.order {
		reg := h.byName[pluginName]
		if reg.state != StateEnabled {
			continue
		}
		for _, tool := range reg.plugin.Tools {
			out = append(out, types.ToolDefinition{
				Name:        pluginName + "." + tool.Name,
				Description: tool.Description,
				Parameters:  tool.Parameters,
			})
		}
	}
	return out
}

// ExecuteTool runs the named tool from the first enabled plugin offering it.
// Both namespaced ("plugin.tool") and bare names resolve. Handler errors are
// reported in-band so the LLM sees the failure. The second result is false
// when no enabled plugin offers the tool.
func (h *Host) ExecuteTool(ctx context.Context, name string, params map[string]any) (map[string]any, bool) {
	wantPlugin, wantTool := "", name
	if i := strings.IndexByte(name, '.'); i > 0 {
		wantPlugin, wantTool = name[:i], name[i+1:]
	}

	h.mu.Lock()
	var handler ToolFunc
	for _, pluginName := range h.order {
		reg := h.byName[pluginName]
		if reg.state != StateEnabled {
			continue
		}
		if wantPlugin != "" && pluginName != wantPlugin {
			continue
		}
		for _, tool := range reg.plugin.Tools {
			if tool.Name == wantTool {
				handler = tool.Handler
				break
			}
		}
		if handler != nil {
			break
		}
	}
	h.mu.Unlock()

	if handler == nil {
		return nil, false
	}
	result, err := handler(ctx, params)
	if err != nil {
		return map[string]any{"success": false, "error": err.Error()}, true
	}
	return result, true
}

// InvokeHook broadcasts a hook to every enabled plugin in registration
// order, collecting the non-nil results. Handler errors and panics are
// logged and skipped.
func (h *Host) InvokeHook(ctx context.Context, hook Hook, in HookInput) []any {
	var results []any
	for _, p := range h.Enabled() {
		if result, ok := h.invokeOne(ctx, p, hook, in); ok && result != nil {
			results = append(results, result)
		}
	}
	return results
}

// InvokeHookFirst dispatches a hook and returns the first non-nil result, or
// nil when every enabled plugin passes.
func (h *Host) InvokeHookFirst(ctx context.Context, hook Hook, in HookInput) any {
	for _, p := range h.Enabled() {
		if result, ok := h.invokeOne(ctx, p, hook, in); ok && result != nil {
			return result
		}
	}
	return nil
}

// invokeOne runs one plugin's handler for a hook, absorbing errors and
// panics. The second result is false when the invocation failed or the
// plugin has no handler.
func (h *Host) invokeOne(ctx context.Context, p *Plugin, hook Hook, in HookInput) (result any, ok bool) {
	fn := p.Hooks[hook]
	if fn == nil {
		return nil, false
	}
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("plugin hook panicked", "plugin", p.Meta.Name, "hook", hook, "panic", r)
			result, ok = nil, false
		}
	}()
	result, err := fn(ctx, in)
	if err != nil {
		h.log.Warn("plugin hook failed", "plugin", p.Meta.Name, "hook", hook, "error", err)
		return nil, false
	}
	return result, true
}

func (h *Host) lookup(name string) (*registration, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	reg, ok := h.byName[name]
	if !ok {
		return nil, fmt.Errorf("plugin: %q not registered", name)
	}
	return reg, nil
}

func (h *Host) setState(reg *registration, state Lifecycle) {
	h.mu.Lock()
	reg.state = state
	h.mu.Unlock()
}

func (h *Host) names() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.order...)
}
