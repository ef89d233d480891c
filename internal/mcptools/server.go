// Package mcptools exposes the Blackboard tools over the Model Context
// Protocol. Every tool resolves the caller's stable identity first and asks
// the credential broker for a downstream token; unauthenticated callers get
// a connection link instead of an error.
package mcptools

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Mitchel-BT/bbmcp/internal/brokerkit"
	"github.com/Mitchel-BT/bbmcp/internal/lms"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"
)

type contextKey string

const (
	bearerContextKey contextKey = "caller_bearer"
	callerContextKey contextKey = "caller_context"
)

// WithCaller returns a context carrying explicit caller signals, overriding
// transport extraction. Embedding hosts that terminate authentication
// themselves can use it to hand the resolved signals straight to the tools.
func WithCaller(ctx context.Context, caller brokerkit.CallerContext) context.Context {
	return context.WithValue(ctx, callerContextKey, caller)
}

// Server bridges MCP tool calls to the credential broker and the Learn API.
type Server struct {
	broker    *brokerkit.Broker
	binder    *brokerkit.IdentityBinder
	lmsClient *lms.Client
	logger    *zap.Logger
	mcpServer *server.MCPServer
	transport *server.StreamableHTTPServer
}

// NewServer constructs the MCP server and registers all tools.
func NewServer(broker *brokerkit.Broker, binder *brokerkit.IdentityBinder, lmsClient *lms.Client, logger *zap.Logger, version string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mcpServer := server.NewMCPServer(
		"blackboard",
		version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	toolServer := &Server{
		broker:    broker,
		binder:    binder,
		lmsClient: lmsClient,
		logger:    logger,
		mcpServer: mcpServer,
	}
	toolServer.registerTools()
	toolServer.transport = server.NewStreamableHTTPServer(
		mcpServer,
		server.WithHTTPContextFunc(bearerFromRequest),
	)
	return toolServer
}

// Handler returns the streamable HTTP handler for mounting on a router.
func (toolServer *Server) Handler() http.Handler {
	return toolServer.transport
}

func bearerFromRequest(ctx context.Context, request *http.Request) context.Context {
	authorization := request.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authorization, "Bearer "); ok && token != "" {
		ctx = context.WithValue(ctx, bearerContextKey, token)
	}
	return ctx
}

func (toolServer *Server) registerTools() {
	coursesTool := mcp.NewTool("get_my_courses",
		mcp.WithDescription("List the Blackboard courses you are enrolled in"),
	)
	toolServer.mcpServer.AddTool(coursesTool, toolServer.handleGetMyCourses)

	gradesTool := mcp.NewTool("get_my_grades",
		mcp.WithDescription("Get your grades for a specific Blackboard course"),
		mcp.WithString("course_id",
			mcp.Required(),
			mcp.Description("Course identifier, e.g. CS-101"),
		),
	)
	toolServer.mcpServer.AddTool(gradesTool, toolServer.handleGetMyGrades)

	announcementsTool := mcp.NewTool("get_course_announcements",
		mcp.WithDescription("Get announcements for a specific Blackboard course"),
		mcp.WithString("course_id",
			mcp.Required(),
			mcp.Description("Course identifier, e.g. CS-101"),
		),
	)
	toolServer.mcpServer.AddTool(announcementsTool, toolServer.handleGetCourseAnnouncements)

	connectTool := mcp.NewTool("connect_account",
		mcp.WithDescription("Connect your Blackboard account to this assistant"),
	)
	toolServer.mcpServer.AddTool(connectTool, toolServer.handleConnectAccount)

	disconnectTool := mcp.NewTool("disconnect_account",
		mcp.WithDescription("Disconnect your Blackboard account and forget its token"),
	)
	toolServer.mcpServer.AddTool(disconnectTool, toolServer.handleDisconnectAccount)

	whoamiTool := mcp.NewTool("whoami",
		mcp.WithDescription("Show how you are identified and whether Blackboard is connected"),
	)
	toolServer.mcpServer.AddTool(whoamiTool, toolServer.handleWhoAmI)
}

func (toolServer *Server) resolveCaller(ctx context.Context) (brokerkit.ResolvedIdentity, error) {
	caller, ok := ctx.Value(callerContextKey).(brokerkit.CallerContext)
	if !ok {
		if token, tokenOK := ctx.Value(bearerContextKey).(string); tokenOK {
			caller.BearerToken = token
		}
		if session := server.ClientSessionFromContext(ctx); session != nil {
			caller.SessionID = session.SessionID()
		}
	}
	resolved, resolveErr := toolServer.binder.Resolve(caller)
	if resolveErr != nil {
		return brokerkit.ResolvedIdentity{}, resolveErr
	}
	toolServer.binder.Track(resolved.Key, caller.SessionID, nil)
	return resolved, nil
}

// credentialOrConnectPrompt fetches the caller's credential, or returns a
// ready-made tool result directing the caller through the connect flow.
func (toolServer *Server) credentialOrConnectPrompt(ctx context.Context, identity string) (brokerkit.Credential, *mcp.CallToolResult, error) {
	credential, credentialErr := toolServer.broker.GetCredential(ctx, identity)
	if credentialErr == nil {
		return credential, nil, nil
	}
	if !errors.Is(credentialErr, brokerkit.ErrAuthenticationRequired) {
		return brokerkit.Credential{}, nil, credentialErr
	}
	authorization, beginErr := toolServer.broker.BeginAuthorization(ctx, identity)
	if beginErr != nil {
		return brokerkit.Credential{}, nil, beginErr
	}
	prompt := fmt.Sprintf("Your Blackboard account is not connected yet.\n\nOpen this link to connect, then run the tool again:\n%s", authorization.URL)
	return brokerkit.Credential{}, mcp.NewToolResultText(prompt), nil
}

func (toolServer *Server) handleGetMyCourses(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resolved, resolveErr := toolServer.resolveCaller(ctx)
	if resolveErr != nil {
		return mcp.NewToolResultError("No caller identity is available on this connection."), nil
	}
	credential, connectPrompt, credentialErr := toolServer.credentialOrConnectPrompt(ctx, resolved.Key)
	if credentialErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Credential lookup failed: %v", credentialErr)), nil
	}
	if connectPrompt != nil {
		return connectPrompt, nil
	}

	courses, coursesErr := toolServer.lmsClient.Courses(ctx, credential.AccessToken)
	if coursesErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Blackboard request failed: %v", coursesErr)), nil
	}
	if len(courses) == 0 {
		return mcp.NewToolResultText("Your Courses\n\nNo courses found."), nil
	}
	var builder strings.Builder
	builder.WriteString("Your Courses\n\n")
	for _, course := range courses {
		fmt.Fprintf(&builder, "- %s (%s)\n", course.Name, course.CourseID)
	}
	return mcp.NewToolResultText(builder.String()), nil
}

func (toolServer *Server) handleGetMyGrades(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	courseID, argErr := request.RequireString("course_id")
	if argErr != nil {
		return mcp.NewToolResultError("course_id argument is required"), nil
	}
	resolved, resolveErr := toolServer.resolveCaller(ctx)
	if resolveErr != nil {
		return mcp.NewToolResultError("No caller identity is available on this connection."), nil
	}
	credential, connectPrompt, credentialErr := toolServer.credentialOrConnectPrompt(ctx, resolved.Key)
	if credentialErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Credential lookup failed: %v", credentialErr)), nil
	}
	if connectPrompt != nil {
		return connectPrompt, nil
	}

	grades, gradesErr := toolServer.lmsClient.Grades(ctx, credential.AccessToken, courseID)
	if gradesErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Blackboard request failed: %v", gradesErr)), nil
	}
	if len(grades) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Grades for %s\n\nNo grades found.", courseID)), nil
	}
	var builder strings.Builder
	fmt.Fprintf(&builder, "Grades for %s\n\n", courseID)
	for _, grade := range grades {
		display := grade.DisplayGrade.Text
		if display == "" {
			display = fmt.Sprintf("%.1f", grade.DisplayGrade.Score)
		}
		fmt.Fprintf(&builder, "- %s: %s (%s)\n", grade.ColumnID, display, grade.Status)
	}
	return mcp.NewToolResultText(builder.String()), nil
}

func (toolServer *Server) handleGetCourseAnnouncements(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	courseID, argErr := request.RequireString("course_id")
	if argErr != nil {
		return mcp.NewToolResultError("course_id argument is required"), nil
	}
	resolved, resolveErr := toolServer.resolveCaller(ctx)
	if resolveErr != nil {
		return mcp.NewToolResultError("No caller identity is available on this connection."), nil
	}
	credential, connectPrompt, credentialErr := toolServer.credentialOrConnectPrompt(ctx, resolved.Key)
	if credentialErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Credential lookup failed: %v", credentialErr)), nil
	}
	if connectPrompt != nil {
		return connectPrompt, nil
	}

	announcements, annErr := toolServer.lmsClient.Announcements(ctx, credential.AccessToken, courseID)
	if annErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Blackboard request failed: %v", annErr)), nil
	}
	if len(announcements) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Announcements for %s\n\nNo announcements.", courseID)), nil
	}
	var builder strings.Builder
	fmt.Fprintf(&builder, "Announcements for %s\n\n", courseID)
	for _, announcement := range announcements {
		body := announcement.Body
		if len(body) > 200 {
			body = body[:200] + "..."
		}
		fmt.Fprintf(&builder, "- %s\n  %s\n", announcement.Title, body)
	}
	return mcp.NewToolResultText(builder.String()), nil
}

func (toolServer *Server) handleConnectAccount(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resolved, resolveErr := toolServer.resolveCaller(ctx)
	if resolveErr != nil {
		return mcp.NewToolResultError("No caller identity is available on this connection."), nil
	}
	authorization, beginErr := toolServer.broker.BeginAuthorization(ctx, resolved.Key)
	if beginErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Could not start the connection flow: %v", beginErr)), nil
	}
	if authorization.AlreadyConnected {
		status := toolServer.broker.StatusFor(ctx, resolved.Key)
		return mcp.NewToolResultText(fmt.Sprintf("Already connected to Blackboard as %s.", status.Username)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Open this link to connect your Blackboard account:\n%s", authorization.URL)), nil
}

func (toolServer *Server) handleDisconnectAccount(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resolved, resolveErr := toolServer.resolveCaller(ctx)
	if resolveErr != nil {
		return mcp.NewToolResultError("No caller identity is available on this connection."), nil
	}
	if revokeErr := toolServer.broker.Revoke(ctx, resolved.Key); revokeErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Could not disconnect: %v", revokeErr)), nil
	}
	return mcp.NewToolResultText("Your Blackboard account has been disconnected."), nil
}

func (toolServer *Server) handleWhoAmI(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	resolved, resolveErr := toolServer.resolveCaller(ctx)
	if resolveErr != nil {
		return mcp.NewToolResultError("No caller identity is available on this connection."), nil
	}

	status := toolServer.broker.StatusFor(ctx, resolved.Key)
	var builder strings.Builder
	builder.WriteString("Identity\n\n")
	fmt.Fprintf(&builder, "- Stable identity: %s\n", resolved.Key)
	fmt.Fprintf(&builder, "- Mode: %s\n", resolved.Mode)
	if resolved.Mode == brokerkit.IdentityModeSession {
		builder.WriteString("- Note: session-scoped identity; the connection does not survive this session\n")
	}
	if status.Connected {
		fmt.Fprintf(&builder, "- Blackboard: connected as %s (%s), valid until %s\n",
			status.Username, status.ExternalUserID, status.ExpiresAt.UTC().Format("2006-01-02 15:04:05 MST"))
	} else {
		builder.WriteString("- Blackboard: not connected\n")
	}
	if binding, ok := toolServer.binder.Binding(resolved.Key); ok {
		fmt.Fprintf(&builder, "- Sessions seen: %d\n", len(binding.Sessions))
	}
	return mcp.NewToolResultText(builder.String()), nil
}
