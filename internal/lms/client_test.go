package lms

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap/zaptest"
)

func newLearnStub(t *testing.T, expectedToken string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	requireBearer := func(handler http.HandlerFunc) http.HandlerFunc {
		return func(writer http.ResponseWriter, request *http.Request) {
			if request.Header.Get("Authorization") != "Bearer "+expectedToken {
				writer.WriteHeader(http.StatusUnauthorized)
				_, _ = writer.Write([]byte(`{"status":401}`))
				return
			}
			writer.Header().Set("Content-Type", "application/json")
			handler(writer, request)
		}
	}
	mux.HandleFunc("/learn/api/public/v1/users/me", requireBearer(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"id":"_999_1","userName":"jsmith","name":{"given":"Jane","family":"Smith"},"contact":{"email":"jane@example.edu"}}`))
	}))
	mux.HandleFunc("/learn/api/public/v1/users/me/courses", requireBearer(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"results":[{"courseId":"_11_1","course":{"courseId":"CS-101","name":"Intro to CS"}},{"courseId":"_12_1","course":{"courseId":"MA-201","name":"Linear Algebra"}}]}`))
	}))
	mux.HandleFunc("/learn/api/public/v2/courses/CS-101/gradebook/users/me", requireBearer(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"results":[{"columnId":"_c1_1","status":"Graded","displayGrade":{"score":92.5,"text":"A-"}}]}`))
	}))
	mux.HandleFunc("/learn/api/public/v1/courses/CS-101/announcements", requireBearer(func(writer http.ResponseWriter, request *http.Request) {
		_, _ = writer.Write([]byte(`{"results":[{"title":"Midterm moved","body":"<p>Now on Friday.</p>"}]}`))
	}))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestClientMe(t *testing.T) {
	t.Parallel()
	stub := newLearnStub(t, "tok")
	client := NewClient(stub.URL, stub.Client(), zaptest.NewLogger(t))

	user, err := client.Me(context.Background(), "tok")
	if err != nil {
		t.Fatalf("me: %v", err)
	}
	if user.ID != "_999_1" || user.UserName != "jsmith" {
		t.Fatalf("unexpected user: %+v", user)
	}
	if user.DisplayName() != "Jane Smith" {
		t.Fatalf("unexpected display name %q", user.DisplayName())
	}
}

func TestClientCoursesFlattensMemberships(t *testing.T) {
	t.Parallel()
	stub := newLearnStub(t, "tok")
	client := NewClient(stub.URL, stub.Client(), zaptest.NewLogger(t))

	courses, err := client.Courses(context.Background(), "tok")
	if err != nil {
		t.Fatalf("courses: %v", err)
	}
	if len(courses) != 2 {
		t.Fatalf("expected two courses, got %d", len(courses))
	}
	if courses[0].CourseID != "CS-101" || courses[0].Name != "Intro to CS" {
		t.Fatalf("unexpected course: %+v", courses[0])
	}
}

func TestClientGradesAndAnnouncements(t *testing.T) {
	t.Parallel()
	stub := newLearnStub(t, "tok")
	client := NewClient(stub.URL, stub.Client(), zaptest.NewLogger(t))

	grades, gradesErr := client.Grades(context.Background(), "tok", "CS-101")
	if gradesErr != nil {
		t.Fatalf("grades: %v", gradesErr)
	}
	if len(grades) != 1 || grades[0].DisplayGrade.Text != "A-" {
		t.Fatalf("unexpected grades: %+v", grades)
	}

	announcements, annErr := client.Announcements(context.Background(), "tok", "CS-101")
	if annErr != nil {
		t.Fatalf("announcements: %v", annErr)
	}
	if len(announcements) != 1 || announcements[0].Title != "Midterm moved" {
		t.Fatalf("unexpected announcements: %+v", announcements)
	}
}

func TestClientSurfacesAPIStatus(t *testing.T) {
	t.Parallel()
	stub := newLearnStub(t, "tok")
	client := NewClient(stub.URL, stub.Client(), zaptest.NewLogger(t))

	_, err := client.Me(context.Background(), "wrong-token")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if statusErr.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", statusErr.StatusCode)
	}
}
