// Package domain contains the core business entities of the application:
// local users with their portal credentials, captured browser cookies and the
// academic records mirrored from the portal (disciplines, students, lessons,
// grades and attendance), each identified by a natural key.
package domain
