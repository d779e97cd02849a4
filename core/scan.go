package core

// EvidenceField is one forensic attribute taken from a matched event.
type EvidenceField struct {
	Field string `json:"field"`
	Value any    `json:"value"`
}

// Alert is the normalized form of one engine hit.
type Alert struct {
	RuleID    string          `json:"rule_id"`
	Namespace string          `json:"namespace,omitempty"`
	Title     string          `json:"title,omitempty"`
	Level     string          `json:"level,omitempty"`
	Tags      []string        `json:"tags"`
	HitCount  int             `json:"hit_count,omitempty"`
	Evidence  []EvidenceField `json:"evidence"`
}

// HitEvent is a raw matched event returned with return_level=with_events.
type HitEvent struct {
	EventID    int `json:"event_id"`
	AlertIndex int `json:"alert_index"`
	Data       any `json:"data"`
}

// ScanResult is the normalized output of one scan.
type ScanResult struct {
	Alerts    []Alert
	HitEvents []HitEvent
}

// ScanResponse is returned by a completed scan. RuleCount counts compiled
// artifacts for YARA and rules for Sigma.
type ScanResponse struct {
	OK           bool        `json:"ok"`
	JobID        string      `json:"job_id"`
	Family       Family      `json:"family"`
	Label        string      `json:"label"`
	Filename     string      `json:"filename"`
	SHA256       string      `json:"sha256"`
	RuleSet      RuleSet     `json:"rule_set"`
	ReturnLevel  ReturnLevel `json:"return_level"`
	RuleCount    int         `json:"rule_count"`
	Alerts       []Alert     `json:"alerts"`
	HitEvents    []HitEvent  `json:"hit_events,omitempty"`
	EngineStdout string      `json:"engine_stdout"`
	EngineStderr string      `json:"engine_stderr"`
	DurationMs   int64       `json:"duration_ms"`
}

// IngestReport summarizes one ingestion call.
type IngestReport struct {
	OK           bool     `json:"ok"`
	Kind         string   `json:"kind"`
	Family       Family   `json:"family"`
	SourceName   string   `json:"source_name"`
	Filename     string   `json:"filename"`
	StoredCount  int      `json:"stored_count"`
	SkippedCount int      `json:"skipped_count"`
	RuleNames    []string `json:"rule_names"`
	StoredFiles  []string `json:"stored_files,omitempty"`
	ArtifactIDs  []int64  `json:"artifact_ids"`
	SHA256       string   `json:"sha256"`
	CreatedAt    string   `json:"created_at"`
}
