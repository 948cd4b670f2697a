package core

// FileState is the agent's view of one generated file. LastDiff holds the
// unified diff between the previous contents and the current write so
// downstream tool-call displays can show what changed.
type FileState struct {
	FilePath     string `json:"filePath"`
	FileContents string `json:"fileContents"`
	FilePurpose  string `json:"filePurpose"`
	LastDiff     string `json:"lastDiff,omitempty"`
}

// FileOutput is a file produced by a generation operation before it is
// written through the file manager.
type FileOutput struct {
	FilePath     string `json:"filePath"`
	FileContents string `json:"fileContents"`
	FilePurpose  string `json:"filePurpose"`
}
