// Package lms wraps the Blackboard Learn public REST API: the OAuth
// authorization-code exchange and the bearer-authenticated resource reads
// the tool layer serves from.
package lms

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	apiRootV1 = "/learn/api/public/v1"
	apiRootV2 = "/learn/api/public/v2"

	defaultRequestTimeout = 15 * time.Second
)

// StatusError reports a non-2xx response from the Learn API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (statusErr *StatusError) Error() string {
	return fmt.Sprintf("lms.api_status: %d", statusErr.StatusCode)
}

// User is the Learn users/me record.
type User struct {
	ID       string `json:"id"`
	UserName string `json:"userName"`
	Name     struct {
		Given  string `json:"given"`
		Family string `json:"family"`
	} `json:"name"`
	Contact struct {
		Email string `json:"email"`
	} `json:"contact"`
}

// DisplayName joins the given and family names, falling back to the login name.
func (user User) DisplayName() string {
	full := strings.TrimSpace(user.Name.Given + " " + user.Name.Family)
	if full != "" {
		return full
	}
	return user.UserName
}

// Course is one enrolled course, flattened from the membership record.
type Course struct {
	CourseID string `json:"courseId"`
	Name     string `json:"name"`
}

// Grade is one gradebook entry for the calling user.
type Grade struct {
	ColumnID     string `json:"columnId"`
	Status       string `json:"status"`
	DisplayGrade struct {
		Score float64 `json:"score"`
		Text  string  `json:"text"`
	} `json:"displayGrade"`
}

// Announcement is one course announcement.
type Announcement struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Client issues bearer-authenticated reads against a Learn deployment.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient constructs a Client for the given Learn base URL. httpClient may
// be nil, in which case a client with a bounded timeout is used.
func NewClient(baseURL string, httpClient *http.Client, clientLogger *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	if clientLogger == nil {
		clientLogger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     clientLogger,
	}
}

// Me returns the Learn user record for the token holder.
func (client *Client) Me(ctx context.Context, accessToken string) (User, error) {
	var user User
	if err := client.getJSON(ctx, accessToken, apiRootV1+"/users/me", &user); err != nil {
		return User{}, err
	}
	return user, nil
}

// Courses lists the token holder's course memberships.
func (client *Client) Courses(ctx context.Context, accessToken string) ([]Course, error) {
	var envelope struct {
		Results []struct {
			CourseID string `json:"courseId"`
			Course   struct {
				CourseID string `json:"courseId"`
				Name     string `json:"name"`
			} `json:"course"`
		} `json:"results"`
	}
	if err := client.getJSON(ctx, accessToken, apiRootV1+"/users/me/courses?expand=course", &envelope); err != nil {
		return nil, err
	}
	courses := make([]Course, 0, len(envelope.Results))
	for _, membership := range envelope.Results {
		course := Course{CourseID: membership.CourseID, Name: membership.Course.Name}
		if membership.Course.CourseID != "" {
			course.CourseID = membership.Course.CourseID
		}
		courses = append(courses, course)
	}
	return courses, nil
}

// Grades lists the token holder's gradebook entries for one course.
func (client *Client) Grades(ctx context.Context, accessToken string, courseID string) ([]Grade, error) {
	var envelope struct {
		Results []Grade `json:"results"`
	}
	path := fmt.Sprintf("%s/courses/%s/gradebook/users/me", apiRootV2, courseID)
	if err := client.getJSON(ctx, accessToken, path, &envelope); err != nil {
		return nil, err
	}
	return envelope.Results, nil
}

// Announcements lists announcements for one course.
func (client *Client) Announcements(ctx context.Context, accessToken string, courseID string) ([]Announcement, error) {
	var envelope struct {
		Results []Announcement `json:"results"`
	}
	path := fmt.Sprintf("%s/courses/%s/announcements", apiRootV1, courseID)
	if err := client.getJSON(ctx, accessToken, path, &envelope); err != nil {
		return nil, err
	}
	return envelope.Results, nil
}

func (client *Client) getJSON(ctx context.Context, accessToken string, path string, out any) error {
	request, requestErr := http.NewRequestWithContext(ctx, http.MethodGet, client.baseURL+path, nil)
	if requestErr != nil {
		return fmt.Errorf("lms.request: %w", requestErr)
	}
	request.Header.Set("Authorization", "Bearer "+accessToken)
	request.Header.Set("Accept", "application/json")

	response, doErr := client.httpClient.Do(request)
	if doErr != nil {
		return fmt.Errorf("lms.request: %w", doErr)
	}
	defer func() { _ = response.Body.Close() }()

	body, readErr := io.ReadAll(io.LimitReader(response.Body, 1<<20))
	if readErr != nil {
		return fmt.Errorf("lms.read_body: %w", readErr)
	}
	if response.StatusCode < 200 || response.StatusCode > 299 {
		client.logger.Warn("learn api returned non-2xx",
			zap.String("code", "lms.api_status"),
			zap.String("path", path),
			zap.Int("status", response.StatusCode))
		return &StatusError{StatusCode: response.StatusCode, Body: string(body)}
	}
	if decodeErr := json.Unmarshal(body, out); decodeErr != nil {
		return fmt.Errorf("lms.decode: %w", decodeErr)
	}
	return nil
}
