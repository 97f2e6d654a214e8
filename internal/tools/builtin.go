package tools

import "github.com/invopop/jsonschema"

// Argument shapes for the editor's built-in tools. Schemas are reflected
// from these and attached to registry entries so the editor can render edit
// forms for pending calls.

// GenerateImageArgs are the arguments of generate_image_asset.
type GenerateImageArgs struct {
	Prompt      string `json:"prompt" jsonschema:"title=Prompt,description=What to generate"`
	Style       string `json:"style,omitempty" jsonschema:"title=Style"`
	SceneID     string `json:"sceneId,omitempty" jsonschema:"title=Scene"`
	AspectRatio string `json:"aspectRatio,omitempty" jsonschema:"title=Aspect ratio"`
}

// GenerateVideoArgs are the arguments of generate_video_clip.
type GenerateVideoArgs struct {
	Prompt          string  `json:"prompt" jsonschema:"title=Prompt"`
	DurationSeconds float64 `json:"durationSeconds,omitempty" jsonschema:"title=Duration (s)"`
	SceneID         string  `json:"sceneId,omitempty" jsonschema:"title=Scene"`
}

// GenerateVoiceoverArgs are the arguments of generate_voiceover.
type GenerateVoiceoverArgs struct {
	Text    string `json:"text" jsonschema:"title=Text"`
	VoiceID string `json:"voiceId,omitempty" jsonschema:"title=Voice"`
}

// UpdateSceneArgs are the arguments of update_scene.
type UpdateSceneArgs struct {
	SceneID string         `json:"sceneId" jsonschema:"title=Scene"`
	Patch   map[string]any `json:"patch" jsonschema:"title=Changes"`
}

// DeleteEpisodeArgs are the arguments of delete_episode.
type DeleteEpisodeArgs struct {
	EpisodeID string `json:"episodeId" jsonschema:"title=Episode"`
}

// SearchAssetsArgs are the arguments of search_assets.
type SearchAssetsArgs struct {
	Query string `json:"query" jsonschema:"title=Query"`
	Kind  string `json:"kind,omitempty" jsonschema:"title=Kind"`
	Limit int    `json:"limit,omitempty" jsonschema:"title=Limit"`
}

// Builtin returns the editor's built-in tool catalog. Generation and
// project-mutation tools cost money or are irreversible, so they require
// confirmation; read-only library tools do not.
func Builtin() *Static {
	reflector := jsonschema.Reflector{DoNotReference: true}

	return NewStatic(
		Info{
			Name:              "generate_image_asset",
			DisplayName:       "Generate image",
			Category:          "media",
			NeedsConfirmation: true,
			ArgumentSchema:    reflector.Reflect(&GenerateImageArgs{}),
		},
		Info{
			Name:              "generate_video_clip",
			DisplayName:       "Generate video clip",
			Category:          "media",
			NeedsConfirmation: true,
			ArgumentSchema:    reflector.Reflect(&GenerateVideoArgs{}),
		},
		Info{
			Name:              "generate_voiceover",
			DisplayName:       "Generate voiceover",
			Category:          "media",
			NeedsConfirmation: true,
			ArgumentSchema:    reflector.Reflect(&GenerateVoiceoverArgs{}),
		},
		Info{
			Name:              "update_scene",
			DisplayName:       "Update scene",
			Category:          "project",
			NeedsConfirmation: true,
			ArgumentSchema:    reflector.Reflect(&UpdateSceneArgs{}),
		},
		Info{
			Name:              "delete_episode",
			DisplayName:       "Delete episode",
			Category:          "project",
			NeedsConfirmation: true,
			ArgumentSchema:    reflector.Reflect(&DeleteEpisodeArgs{}),
		},
		Info{
			Name:              "search_assets",
			DisplayName:       "Search assets",
			Category:          "library",
			NeedsConfirmation: false,
			ArgumentSchema:    reflector.Reflect(&SearchAssetsArgs{}),
		},
		Info{
			Name:              "get_project_outline",
			DisplayName:       "Project outline",
			Category:          "library",
			NeedsConfirmation: false,
		},
	)
}
