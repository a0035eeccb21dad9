package testutil

// StandardQueue is a short queue touching every catalog screen.
func StandardQueue() []ScreenData {
	return []ScreenData{
		Screen("confirmation", Params(map[string]any{
			"header":  "Welcome",
			"message": "Thanks for joining.",
			"cta":     "Continue",
		})),
		Screen("markdown", Params(map[string]any{
			"title": "About",
			"body":  "# Hello\n\nThis is a **markdown** screen.",
		})),
		Screen("choice", Params(map[string]any{
			"prompt":  "How are you feeling?",
			"options": []map[string]string{
				{"slug": "calm", "label": "Calm"},
				{"slug": "anxious", "label": "Anxious"},
				{"slug": "tired", "label": "Tired"},
			},
		})),
	}
}

// WithStandardQueue appends StandardQueue.
func (s *QueueServer) WithStandardQueue() *QueueServer {
	return s.WithScreens(StandardQueue()...)
}
