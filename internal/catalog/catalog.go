// Package catalog holds the capability set the voice assistant can act on:
// the navigable pages and the chat personalities. It also derives everything
// a session needs from that set and the live host state: the voice system
// instruction, the tool declarations and the full session configuration.
//
// Nothing here is cached. Every session builds its configuration from the
// catalog and host state current at that moment.
package catalog

import (
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/zeno/pkg/provider/s2s"
)

const (
	// CustomPersonalityID selects the user-defined personality text.
	CustomPersonalityID = "custom"

	// DefaultVoice is the prebuilt voice used when none is configured.
	DefaultVoice = "Charon"

	// NavigateTool is the name of the page navigation tool.
	NavigateTool = "navigateToPage"

	// PersonalityTool is the name of the personality change tool.
	PersonalityTool = "changePersonality"
)

// Page is one navigable destination.
type Page struct {
	ID       string `yaml:"id" json:"id"`
	Name     string `yaml:"name" json:"name"`
	Category string `yaml:"category" json:"category,omitempty"`
}

// Personality is one chat persona. Instruction is the chat system instruction.
type Personality struct {
	ID          string `yaml:"id" json:"id"`
	Instruction string `yaml:"instruction" json:"instruction"`
}

// Catalog is an ordered set of pages and personalities.
type Catalog struct {
	Pages         []Page        `json:"pages"`
	Personalities []Personality `json:"personalities"`
}

// Default returns the built-in catalog.
func Default() Catalog {
	return Catalog{
		Pages: []Page{
			{ID: "ask", Name: "Zeno Chat", Category: "Main"},
			{ID: "savor_gallery", Name: "Savor Studio", Category: "Main"},
			{ID: "zeno_connect", Name: "Zeno Connect", Category: "Main"},
			{ID: "creative", Name: "Media Studio", Category: "Media"},
			{ID: "videoGen", Name: "Video Generator", Category: "Media"},
			{ID: "videoEdit", Name: "Video Editor", Category: "Media"},
			{ID: "camera_vision", Name: "Camera Vision", Category: "Media"},
			{ID: "game_maker", Name: "Game Maker", Category: "Gaming"},
			{ID: "productivity", Name: "Workflow Tools", Category: "Productivity"},
			{ID: "web_maker", Name: "Web Maker", Category: "Productivity"},
			{ID: "code_generator", Name: "Code Generator", Category: "Productivity"},
			{ID: "ml_workflow", Name: "ML Workflow", Category: "Productivity"},
			{ID: "knowledge", Name: "Research & Learn", Category: "Knowledge & Voice"},
			{ID: "voice_conversation", Name: "Voice Conversation", Category: "Knowledge & Voice"},
			{ID: "login", Name: "Login / Account", Category: "User"},
			{ID: "logout", Name: "Logout", Category: "User"},
			{ID: "settings", Name: "Settings", Category: "User"},
		},
		Personalities: []Personality{
			{ID: "zeno", Instruction: "You are Zeno, a helpful and friendly AI assistant. You are knowledgeable and always try to be encouraging."},
			{ID: "sarcastic", Instruction: "You are a sarcastic AI with a dry sense of humor. You answer questions correctly, but with a witty, cynical edge."},
			{ID: "pirate", Instruction: "You are a swashbuckling pirate AI. Answer all questions as if you were sailing the seven seas, me hearty! Yarrr!"},
			{ID: "shakespeare", Instruction: "You are an AI that speaks in the style of William Shakespeare. Respond to all inquiries with eloquent, poetic, and dramatic flair, forsooth!"},
			{ID: CustomPersonalityID, Instruction: "You are a helpful AI assistant. Your personality is now defined by the user."},
		},
	}
}

// Page returns the page with the given id.
func (c Catalog) Page(id string) (Page, bool) {
	i := slices.IndexFunc(c.Pages, func(p Page) bool { return p.ID == id })
	if i < 0 {
		return Page{}, false
	}
	return c.Pages[i], true
}

// Personality returns the personality with the given id.
func (c Catalog) Personality(id string) (Personality, bool) {
	i := slices.IndexFunc(c.Personalities, func(p Personality) bool { return p.ID == id })
	if i < 0 {
		return Personality{}, false
	}
	return c.Personalities[i], true
}

// PageName returns the display name of id, or id itself when unknown.
func (c Catalog) PageName(id string) string {
	if p, ok := c.Page(id); ok && p.Name != "" {
		return p.Name
	}
	return id
}

// PageIDs returns every page id in catalog order.
func (c Catalog) PageIDs() []string {
	ids := make([]string, len(c.Pages))
	for i, p := range c.Pages {
		ids[i] = p.ID
	}
	return ids
}

// PageNames returns every page display name in catalog order.
func (c Catalog) PageNames() []string {
	names := make([]string, len(c.Pages))
	for i, p := range c.Pages {
		names[i] = p.Name
	}
	return names
}

// PersonalityIDs returns every personality id in catalog order, custom
// included.
func (c Catalog) PersonalityIDs() []string {
	ids := make([]string, len(c.Personalities))
	for i, p := range c.Personalities {
		ids[i] = p.ID
	}
	return ids
}

// Categories returns the distinct page categories in first-seen order.
func (c Catalog) Categories() []string {
	var out []string
	for _, p := range c.Pages {
		if p.Category != "" && !slices.Contains(out, p.Category) {
			out = append(out, p.Category)
		}
	}
	return out
}

// State is the host state a session is configured from.
type State struct {
	ActivePage        string
	Personality       string
	CustomInstruction string
}

// ChatInstruction returns the system instruction the chat panels use for the
// given personality. For custom it is the host-supplied text, falling back to
// the catalog's placeholder when that is empty.
func ChatInstruction(cat Catalog, personality, custom string) string {
	if personality == CustomPersonalityID && strings.TrimSpace(custom) != "" {
		return custom
	}
	if p, ok := cat.Personality(personality); ok {
		return p.Instruction
	}
	return ""
}

// Instruction builds the voice assistant's system instruction.
// With the custom personality active, a non-blank st.CustomInstruction is
// quoted after the id.
func Instruction(cat Catalog, st State) string {
	var named []string
	for _, p := range cat.Personalities {
		if p.ID != CustomPersonalityID {
			named = append(named, p.ID)
		}
	}

	var current string
	switch {
	case st.Personality != CustomPersonalityID:
		if p, ok := cat.Personality(st.Personality); ok {
			current = fmt.Sprintf("%q", p.Instruction)
		} else {
			current = `""`
		}
	case strings.TrimSpace(st.CustomInstruction) != "":
		current = fmt.Sprintf("%q (%q)", CustomPersonalityID, strings.TrimSpace(st.CustomInstruction))
	default:
		current = fmt.Sprintf("%q", CustomPersonalityID)
	}

	var b strings.Builder
	b.WriteString("You are Zeno, a helpful voice assistant for a web application. ")
	b.WriteString("Your main goal is to understand user commands and navigate them through the app or change settings. ")
	b.WriteString("You can use the following tools:\n")
	fmt.Fprintf(&b, "- %s: to go to a specific section of the app.\n", NavigateTool)
	fmt.Fprintf(&b, "- %s: to adjust the AI's chat personality.\n", PersonalityTool)
	b.WriteString("Always use the tools when appropriate.\n")
	b.WriteString(`If the user asks for information, acknowledge their request but prioritize using the tools if a clear command is given. `)
	fmt.Fprintf(&b, `For example, if they say "Go to creative tools", use the %s tool. `, NavigateTool)
	b.WriteString(`If they say "Tell me a joke", say "I can tell you a joke, but my primary function is to help you navigate the app. Would you like me to go to Zeno Chat for that?".` + "\n")
	fmt.Fprintf(&b, "Your available navigation targets are: %s.\n", strings.Join(cat.PageNames(), ", "))
	fmt.Fprintf(&b, "Your available personalities are: %s, and also '%s' (which is a user-defined personality).\n", strings.Join(named, ", "), CustomPersonalityID)
	fmt.Fprintf(&b, "Your current page is %q.\n", cat.PageName(st.ActivePage))
	fmt.Fprintf(&b, "Your current personality is %s.\n", current)
	b.WriteString("When setting the personality, if the user asks for a 'custom' personality, inform them that it will activate their pre-defined custom personality, as you cannot define it through voice.")
	return b.String()
}

// ToolDefinitions returns the navigation and personality tool declarations.
// Their enums list the live ids.
func ToolDefinitions(cat Catalog) []s2s.ToolDefinition {
	pageIDs := cat.PageIDs()
	personalityIDs := cat.PersonalityIDs()
	return []s2s.ToolDefinition{
		{
			Name:        NavigateTool,
			Description: "Navigates the user to a specific page in the application.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"pageId": map[string]any{
						"type":        "string",
						"description": "The ID of the page to navigate to. Possible values are: " + strings.Join(pageIDs, ", ") + ".",
						"enum":        pageIDs,
					},
				},
				"required": []string{"pageId"},
			},
		},
		{
			Name:        PersonalityTool,
			Description: "Changes the AI personality for Zeno Chat.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"personality": map[string]any{
						"type":        "string",
						"description": "The personality ID to switch to. Possible values are: " + strings.Join(personalityIDs, ", ") + ".",
						"enum":        personalityIDs,
					},
				},
				"required": []string{"personality"},
			},
		},
	}
}

// SessionConfig assembles the configuration for a new voice session. An empty
// voice selects [DefaultVoice].
func SessionConfig(cat Catalog, st State, voice string) s2s.SessionConfig {
	if voice == "" {
		voice = DefaultVoice
	}
	return s2s.SessionConfig{
		ResponseModality:    s2s.ModalityAudio,
		InputTranscription:  true,
		OutputTranscription: true,
		Voice:               voice,
		Instructions:        Instruction(cat, st),
		Tools:               ToolDefinitions(cat),
	}
}
