package job

// Partition splits jobs into the ones whose id is in failedIDs and the rest.
// Relative order is preserved in both halves; ids that match no job are ignored.
func Partition(jobs []*Job, failedIDs []string) (failed, succeeded []*Job) {
	if len(failedIDs) == 0 {
		return nil, jobs
	}

	set := make(map[string]struct{}, len(failedIDs))
	for _, id := range failedIDs {
		set[id] = struct{}{}
	}

	for _, j := range jobs {
		if _, ok := set[j.ID]; ok {
			failed = append(failed, j)
		} else {
			succeeded = append(succeeded, j)
		}
	}
	return failed, succeeded
}
