package command

import "net/http"

// MetricBucket classifies why a command was rejected. Values double as
// metric label values.
type MetricBucket string

const (
	BucketInternalServerError          MetricBucket = "internal_server_error"
	BucketInvalidDeadline              MetricBucket = "invalid_deadline"
	BucketClientClosedRequest          MetricBucket = "client_closed_request"
	BucketClientDeadlineExceeded       MetricBucket = "client_provided_deadline_exceeded"
	BucketServerDeadlineExceeded       MetricBucket = "server_deadline_exceeded"
	BucketProjectNotWritable           MetricBucket = "project_not_writable"
	BucketCannotCombinePushes          MetricBucket = "cannot_combine_normal_and_magic_pushes"
	BucketDuplicateRequest             MetricBucket = "duplicate_request"
	BucketProhibited                   MetricBucket = "prohibited"
	BucketInvalidRef                   MetricBucket = "invalid_ref"
	BucketInvalidOption                MetricBucket = "invalid_option"
	BucketInvalidBranchSyntax          MetricBucket = "invalid_branch_syntax"
	BucketCannotSkipValidationForMagic MetricBucket = "cannot_skip_validation_for_magic_push"
	BucketTopicTooLarge                MetricBucket = "topic_too_large"
	BucketHelpRequested                MetricBucket = "help_requested"
	BucketBranchNotFound               MetricBucket = "branch_not_found"
	BucketRefNotFound                  MetricBucket = "ref_not_found"
	BucketNotMergedIntoBranch          MetricBucket = "not_merged_into_branch"
	BucketInvalidBase                  MetricBucket = "invalid_base"
	BucketNoCommonAncestry             MetricBucket = "no_common_ancestry"
	BucketMissingObject                MetricBucket = "missing_object"
	BucketTooManyChanges               MetricBucket = "too_many_changes"
	BucketMergeWithAllNotInTarget      MetricBucket = "cannot_push_merge_with_new_change_for_all_not_in_target"
	BucketDuplicateChangeID            MetricBucket = "duplicate_change_id"
	BucketDuplicateChange              MetricBucket = "duplicate_change"
	BucketCommitAlreadyExistsInChange  MetricBucket = "commit_already_exists_in_change"
	BucketCommitAlreadyExistsInProject MetricBucket = "commit_already_exists_in_project"
	BucketInvalidChangeID              MetricBucket = "invalid_change_id"
	BucketNoNewChanges                 MetricBucket = "no_new_changes"
	BucketCannotEditNewChange          MetricBucket = "cannot_edit_new_change"
	BucketImplicitMerge                MetricBucket = "implicit_merge"
	BucketCommitRejected               MetricBucket = "commit_rejected"
	BucketChangeIsClosed               MetricBucket = "change_is_closed"
	BucketChangeNotFound               MetricBucket = "change_not_found"
	BucketMissingRevision              MetricBucket = "missing_revision"
	BucketTooManyPatchSets             MetricBucket = "too_many_patch_sets"
	BucketCannotAddPatchSet            MetricBucket = "cannot_add_patch_set"
	BucketCannotToggleWIP              MetricBucket = "cannot_toggle_wip"
	BucketConflict                     MetricBucket = "conflict"
	BucketLockFailure                  MetricBucket = "lock_failure"
	BucketTransactionAborted           MetricBucket = "transaction_aborted"
	BucketSubmitError                  MetricBucket = "submit_error"
	BucketMetaUpdateWithoutAllow       MetricBucket = "notedb_update_without_allow_option"
	BucketMetaUpdateWithoutPermission  MetricBucket = "notedb_update_without_access_database_permission"
	BucketUnknownCommandType           MetricBucket = "unknown_command_type"
	BucketRefAlreadyExists             MetricBucket = "cannot_create_ref_because_it_already_exists"
	BucketNotACommit                   MetricBucket = "not_a_commit"
	BucketInvalidHead                  MetricBucket = "invalid_head"
	BucketCannotDeleteChanges          MetricBucket = "cannot_delete_changes"
	BucketCannotDeleteConfig           MetricBucket = "cannot_delete_project_configuration"
	BucketRejectedByValidator          MetricBucket = "rejected_by_validator"
	BucketSignedOffByRequired          MetricBucket = "signed_off_by_required"
	BucketBannedCommit                 MetricBucket = "banned_commit"
	BucketTooManyCommits               MetricBucket = "too_many_commits"
	BucketConfigUpdateNotAllowed       MetricBucket = "project_config_update_not_allowed"
	BucketInvalidConfig                MetricBucket = "invalid_project_configuration_update"
)

// RejectionReason is attached to exactly one command when it is rejected.
type RejectionReason struct {
	Bucket MetricBucket `json:"bucket" yaml:"bucket"`
	Why    string       `json:"why" yaml:"why"`
	Status int          `json:"status" yaml:"status"`
}

func Reason(bucket MetricBucket, why string) RejectionReason {
	return RejectionReason{Bucket: bucket, Why: why, Status: http.StatusBadRequest}
}

func Prohibited(why string) RejectionReason {
	return RejectionReason{Bucket: BucketProhibited, Why: "prohibited: " + why, Status: http.StatusForbidden}
}

const InternalServerError = "internal server error"

func Internal() RejectionReason {
	return RejectionReason{Bucket: BucketInternalServerError, Why: InternalServerError, Status: http.StatusInternalServerError}
}

func (r RejectionReason) Error() string {
	return r.Why
}
