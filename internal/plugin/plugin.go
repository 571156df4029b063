// Package plugin hosts optional gameplay modules. A plugin is a plain record
// of metadata, hook handlers, commands, and LLM tools; the Host drives its
// lifecycle and dispatches hooks, commands, and tools to whatever is enabled.
package plugin

import (
	"context"

	"github.com/vandermeer/talespinner/internal/event"
)

// Lifecycle is the state of a plugin within the host.
type Lifecycle string

const (
	StateUnloaded Lifecycle = "unloaded"
	StateLoaded   Lifecycle = "loaded"
	StateEnabled  Lifecycle = "enabled"
	StateDisabled Lifecycle = "disabled"
	StateError    Lifecycle = "error"
)

// Hook names an extension point in the turn pipeline.
type Hook string

const (
	HookTurnStart          Hook = "on_turn_start"
	HookBeforeAction       Hook = "on_before_action"
	HookAfterAction        Hook = "on_after_action"
	HookNarrationGenerated Hook = "on_narration_generated"
	HookPlayerMoved        Hook = "on_player_moved"
	HookTurnEnd            Hook = "on_turn_end"
	HookWorldTick          Hook = "on_world_tick"
	HookEventEmitted       Hook = "on_event_emitted"
	HookContentLoaded      Hook = "on_content_loaded"
	HookSave               Hook = "on_save"
	HookLoad               Hook = "on_load"
	HookCommand            Hook = "on_command"
)

// Metadata identifies a plugin.
type Metadata struct {
	Name        string
	Version     string
	Author      string
	Description string

	Dependencies []string
}

// HookInput carries everything a hook handler might need. Which fields are
// set depends on the hook; unused fields are zero.
type HookInput struct {
	Turn        int
	UserInput   string
	PlayerState map[string]any

	// Response is the pending reply for after-action and narration hooks.
	Response string

	// FromLocation and ToLocation are set for ON_PLAYER_MOVED.
	FromLocation string
	ToLocation   string

	// Event is set for ON_EVENT_EMITTED.
	Event *event.Event

	// ContentID is set for ON_CONTENT_LOADED.
	ContentID string

	// SaveData is set for ON_SAVE and ON_LOAD.
	SaveData map[string]any

	// Command and Params are set for ON_COMMAND.
	Command string
	Params  string
}

// HookFunc handles one hook invocation. A non-nil result feeds the
// first-wins dispatch used by short-circuiting hooks; broadcast hooks
// collect every non-nil result.
type HookFunc func(ctx context.Context, in HookInput) (any, error)

// CommandFunc handles a player command, receiving the text after the command
// word.
type CommandFunc func(ctx context.Context, params string) (string, error)

// Command is a player-facing command contributed by a plugin.
type Command struct {
	Name        string
	Description string
	Aliases     []string

	// RequiresParams marks commands that need text after the command word.
	RequiresParams bool

	Handler CommandFunc
}

// ToolFunc executes an LLM tool call.
type ToolFunc func(ctx context.Context, params map[string]any) (map[string]any, error)

// Tool is a function a plugin offers to the dungeon-master LLM.
type Tool struct {
	Name        string
	Description string

	// Parameters is the JSON Schema of the tool's input.
	Parameters map[string]any

	Handler ToolFunc
}

// Plugin is one gameplay module. All fields are optional except Meta.Name.
// The struct is data, not behavior: the host owns lifecycle and dispatch.
type Plugin struct {
	Meta Metadata

	// OnLoad and OnUnload bracket the plugin's lifetime in the host.
	OnLoad   func(ctx context.Context) error
	OnUnload func(ctx context.Context) error

	Hooks    map[Hook]HookFunc
	Commands []Command
	Tools    []Tool
}

// StateKey returns the player-state field a plugin's private state lives
// under.
func StateKey(pluginName string) string {
	return "plugin_" + pluginName
}

// State extracts a plugin's private state map from the player state,
// returning an empty map when absent or malformed.
func State(playerState map[string]any, pluginName string) map[string]any {
	if m, ok := playerState[StateKey(pluginName)].(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

// SetState stores a plugin's private state map into the player state.
func SetState(playerState map[string]any, pluginName string, state map[string]any) {
	playerState[StateKey(pluginName)] = state
}
