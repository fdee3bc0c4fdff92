package workflow

import "strings"

// MatchesPush reports whether a push to the given repo and branch should
// trigger this workflow. Repos compare by normalized identity so that a
// clone URL and an owner/name pair refer to the same repository. Branch
// patterns are exact names or trailing-star globs such as "release/*".
func (s Spec) MatchesPush(repo, branch string) bool {
	if !repoMatches(s.Trigger.Repo, repo) {
		return false
	}
	branch = strings.TrimSpace(branch)
	if branch == "" {
		return false
	}
	for _, pattern := range s.Trigger.Branches {
		if branchMatches(strings.TrimSpace(pattern), branch) {
			return true
		}
	}
	return false
}

func branchMatches(pattern, branch string) bool {
	if pattern == "" {
		return false
	}
	if pattern == "*" {
		return true
	}
	if strings.HasSuffix(pattern, "*") {
		return strings.HasPrefix(branch, strings.TrimSuffix(pattern, "*"))
	}
	return pattern == branch
}

func repoMatches(want, got string) bool {
	want = normalizeRepo(want)
	got = normalizeRepo(got)
	if want == "" || got == "" {
		return false
	}
	if want == got {
		return true
	}
	// A trigger may name the repo by URL while the hook reports
	// owner/name, or the other way round.
	if strings.HasSuffix(want, "/"+got) || strings.HasSuffix(got, "/"+want) {
		return true
	}
	return false
}

func normalizeRepo(repo string) string {
	repo = strings.ToLower(strings.TrimSpace(repo))
	repo = strings.TrimSuffix(repo, ".git")
	if at := strings.Index(repo, "@"); at >= 0 && !strings.Contains(repo, "://") {
		// git@host:owner/name form.
		repo = repo[at+1:]
		repo = strings.Replace(repo, ":", "/", 1)
	}
	for _, scheme := range []string{"https://", "http://", "ssh://", "git://"} {
		repo = strings.TrimPrefix(repo, scheme)
	}
	return strings.Trim(repo, "/")
}
