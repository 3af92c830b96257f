package chat

type ChunkResult struct {
	ChunkID    string
	DocumentID string
	Title      string
	Path       string
	URL        string
	ChunkIndex int
	Content    string
	Score      float64
}

type RelatedDocument struct {
	ID    string
	Title string
	Path  string
}

type DocumentInsight struct {
	ChunkCount       int
	Folders          []string
	RelatedDocuments []RelatedDocument
}

type Source struct {
	DocumentID string
	Title      string
	Path       string
	URL        string
	Snippet    string
	Score      float64
	Insight    DocumentInsight
}

type Response struct {
	Answer  string
	Sources []Source
}
