package api

import "time"

type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	GoVersion string `json:"goVersion"`
	Platform  string `json:"platform"`
}

type Health struct {
	OK   bool   `json:"ok"`
	Time string `json:"time"`
}

type NodeStatus struct {
	StartedAt   string `json:"startedAt"`
	UptimeSec   int64  `json:"uptimeSec"`
	Height      uint64 `json:"height"`
	TipHash     string `json:"tipHash"`
	Validators  int    `json:"validators"`
	TotalStake  uint64 `json:"totalStake"`
	Sessions    int    `json:"sessions"`
	Subscribers int    `json:"subscribers"`
	RoundOpen   bool   `json:"roundOpen"`
	Rounds      uint64 `json:"rounds"`
	ExportFile  string `json:"exportFile"`
}

type Block struct {
	Index     uint64 `json:"index"`
	Timestamp int64  `json:"timestamp"`
	PrevHash  string `json:"prevHash"`
	Validator string `json:"validator"`
	Hash      string `json:"hash"`
}

type Chain struct {
	Height uint64  `json:"height"`
	Blocks []Block `json:"blocks"`
}

type Validator struct {
	ID           string    `json:"id"`
	Stake        uint64    `json:"stake"`
	RegisteredAt time.Time `json:"registeredAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

type ValidatorList struct {
	Count      int         `json:"count"`
	TotalStake uint64      `json:"totalStake"`
	Validators []Validator `json:"validators"`
}

type RoundOutcome struct {
	ID         string    `json:"id"`
	Number     uint64    `json:"number"`
	OpenedAt   time.Time `json:"openedAt"`
	ResolvedAt time.Time `json:"resolvedAt"`
	Expected   []string  `json:"expected"`
	Proposers  []string  `json:"proposers"`
	Proposals  int       `json:"proposals"`
	Winner     string    `json:"winner,omitempty"`
	PoolTotal  string    `json:"poolTotal"`
	Committed  []string  `json:"committed,omitempty"`
	Rejected   int       `json:"rejected"`
	Err        string    `json:"error,omitempty"`
}

type RoundList struct {
	Count  int            `json:"count"`
	Rounds []RoundOutcome `json:"rounds"`
}

type RoundStatus struct {
	Open      bool      `json:"open"`
	ID        string    `json:"id,omitempty"`
	Number    uint64    `json:"number"`
	OpenedAt  time.Time `json:"openedAt,omitempty"`
	Expected  []string  `json:"expected"`
	Proposed  []string  `json:"proposed"`
	Waiting   []string  `json:"waiting"`
	Late      []string  `json:"late"`
	Proposals int       `json:"proposals"`
}

type TriggerResult struct {
	OK        bool `json:"ok"`
	Delivered int  `json:"delivered"`
	Dropped   int  `json:"dropped"`
	Pruned    int  `json:"pruned"`
}

type Error struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}
