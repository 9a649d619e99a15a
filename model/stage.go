package model

import "errors"

// Stage names a training phase and decides which parameters train.
type Stage string

const (
	// StagePretrain trains the adapters, the frame projector and the temporal aggregator.
	StagePretrain Stage = "pretrain"
	// StageFinetune trains the temporal aggregator and the affect regressor.
	StageFinetune Stage = "finetune"
)

var (
	ErrUnknownStage = errors.New("unknown training stage")
	ErrShape        = errors.New("model input shape")
)

func (s Stage) String() string { return string(s) }
