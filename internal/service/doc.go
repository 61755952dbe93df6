// Package service contains the application use cases that sit between the
// HTTP API and the stores: local account registration and authentication,
// and the sync performance estimate shown to users before they start a run.
//
// Services receive their stores through constructor injection and never
// depend on a concrete storage implementation. Store errors are wrapped with
// context and passed up, so the API layer can map them with errors.Is.
package service
