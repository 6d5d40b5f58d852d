// Copyright 2024 Chainguard, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ghapp talks to GitHub as a GitHub App: it finds the installation
// that covers a repository and mints installation access tokens for it.
//
// Requests are authenticated with the app JWT produced by a
// ghinstallation.AppsTransport. Failures are reported as
// credential.ErrNotFound, credential.ErrUnauthorized or
// credential.ErrTransport. Transport failures and 5xx responses are retried
// with exponential backoff; 4xx responses are not.
package ghapp
