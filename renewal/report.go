package renewal

import "time"

// SweepReport summarises one sweep.
type SweepReport struct {
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Due        int       `json:"due"`
	Renewed    []string  `json:"renewed"`
	Skipped    []string  `json:"skipped"`
	Failed     []Failure `json:"failed"`
}

// Failure describes a certificate that could not be renewed.
type Failure struct {
	CertificateID string `json:"certificate_id"`
	CommonName    string `json:"common_name"`
	Attempts      int    `json:"attempts"`
	Error         string `json:"error"`
}
