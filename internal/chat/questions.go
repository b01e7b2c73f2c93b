package chat

var sampleQuestions = map[Kind][]string{
	KindDocument: {
		"What are the main steps in this process?",
		"What warnings or important notes should I be aware of?",
		"How long does each step typically take?",
		"What are the prerequisites for getting started?",
		"What should I do if something goes wrong?",
	},
	KindPRD: {
		"What are the main features described in this document?",
		"What user requirements are mentioned in this PRD?",
		"Are there any edge cases or error scenarios described?",
		"What integrations or dependencies are mentioned?",
		"What performance requirements does this document specify?",
		"Who is the target audience mentioned in this PRD?",
		"What business objectives are outlined in this document?",
	},
	KindRefinement: {
		"How can I improve test coverage for edge cases?",
		"What are the best practices for writing clear test steps?",
		"How should I prioritize these test cases?",
		"What additional scenarios should I consider?",
		"How can I make these test cases more maintainable?",
	},
}

// SampleQuestions returns the suggested prompts for k.
func SampleQuestions(k Kind) []string {
	return append([]string(nil), sampleQuestions[k]...)
}

// SampleQuestions returns the suggested prompts for this session. Document
// sessions offer none until a document is in scope.
func (s *Session) SampleQuestions() []string {
	if s.endpoint.DocumentScoped() && s.scope.DocumentID == "" {
		return nil
	}
	return SampleQuestions(s.kind)
}
