package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/studus-sync/internal/api/shared"
	"github.com/phrazzld/studus-sync/internal/domain"
	"github.com/phrazzld/studus-sync/internal/store"
)

// AcademicHandler serves the records mirrored from the portal.
type AcademicHandler struct {
	academic store.AcademicStore
}

// NewAcademicHandler creates a new AcademicHandler.
func NewAcademicHandler(academic store.AcademicStore) *AcademicHandler {
	return &AcademicHandler{academic: academic}
}

// ListDisciplines handles GET /api/disciplines.
func (h *AcademicHandler) ListDisciplines(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	disciplines, err := h.academic.ListDisciplines(r.Context(), userID)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list disciplines")
		return
	}
	if disciplines == nil {
		disciplines = []domain.Discipline{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, disciplines)
}

// ListGrades handles GET /api/disciplines/{key}/grades.
func (h *AcademicHandler) ListGrades(w http.ResponseWriter, r *http.Request) {
	d, ok := h.discipline(w, r)
	if !ok {
		return
	}
	grades, err := h.academic.ListGrades(r.Context(), d.UserID, d.Key)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list grades")
		return
	}
	if grades == nil {
		grades = []domain.Grade{}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, DisciplineGradesResponse{Discipline: *d, Grades: grades})
}

// ListLessons handles GET /api/disciplines/{key}/lessons. Each lesson carries
// its present and absent counts.
func (h *AcademicHandler) ListLessons(w http.ResponseWriter, r *http.Request) {
	d, ok := h.discipline(w, r)
	if !ok {
		return
	}
	lessons, err := h.academic.ListLessons(r.Context(), d.UserID, d.Key)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list lessons")
		return
	}

	resp := DisciplineLessonsResponse{Discipline: *d, Lessons: make([]LessonResponse, 0, len(lessons))}
	for _, l := range lessons {
		records, err := h.academic.ListAttendance(r.Context(), d.UserID, l.Key)
		if err != nil {
			HandleAPIError(w, r, err, "Failed to list attendance")
			return
		}
		lr := LessonResponse{Lesson: l}
		for _, a := range records {
			if a.Present {
				lr.Present++
			} else {
				lr.Absent++
			}
		}
		resp.Lessons = append(resp.Lessons, lr)
	}
	shared.RespondWithJSON(w, r, http.StatusOK, resp)
}

// discipline loads the caller's discipline named by the key path parameter.
func (h *AcademicHandler) discipline(w http.ResponseWriter, r *http.Request) (*domain.Discipline, bool) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return nil, false
	}
	d, err := h.academic.GetDiscipline(r.Context(), userID, chi.URLParam(r, "key"))
	if err != nil {
		HandleAPIError(w, r, err, "")
		return nil, false
	}
	d.UserID = userID
	return d, true
}
