// Package testutil provides shared fixtures for seeder tests.
package testutil

// Obviously fake credentials, so secret scanners never flag test code.
const (
	// FakeAzureDevOpsPAT is a safe personal access token for client tests.
	FakeAzureDevOpsPAT = "test-azure-devops-pat"

	// FakeGitCredential is handed to git helpers in tests against local remotes.
	FakeGitCredential = "test-git-credential"
)
