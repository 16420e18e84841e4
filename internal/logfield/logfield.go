// Package logfield holds zap field constructors shared across packages so
// the same keys are used everywhere.
package logfield

import (
	"go.uber.org/zap"

	"github.com/drewdunne/conductor/internal/models"
)

func ProjectID(id int64) zap.Field { return zap.Int64("project_id", id) }

func ProjectPath(path string) zap.Field { return zap.String("project", path) }

func MergeRequestID(id int64) zap.Field { return zap.Int64("merge_request_id", id) }

func MergeRequestIID(iid int) zap.Field { return zap.Int("merge_request_iid", iid) }

func UserID(id int64) zap.Field { return zap.Int64("user_id", id) }

func RuleID(id int64) zap.Field { return zap.Int64("rule_id", id) }

func EntryID(id int64) zap.Field { return zap.Int64("train_entry_id", id) }

func PipelineID(id int64) zap.Field { return zap.Int64("pipeline_id", id) }

func Branch(name string) zap.Field { return zap.String("branch", name) }

func Ref(name string) zap.Field { return zap.String("ref", name) }

func TrainStatus(s models.TrainStatus) zap.Field { return zap.Stringer("train_status", s) }

func Provider(name string) zap.Field { return zap.String("provider", name) }

func EventType(t string) zap.Field { return zap.String("event_type", t) }

func Reason(r string) zap.Field { return zap.String("reason", r) }
