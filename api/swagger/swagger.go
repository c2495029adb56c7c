package swagger

import "github.com/swaggo/swag"

const docTemplate = `{
    "swagger": "2.0",
    "info": {
        "title": "Campus GatePass API",
        "description": "Digital gate pass management with two-stage approval and QR gate verification",
        "version": "1.0.0"
    },
    "basePath": "/api/v1",
    "schemes": [
        "http"
    ],
    "tags": [
        {"name": "Auth", "description": "Authentication and session management"},
        {"name": "Passes", "description": "Gate pass requests and approvals"},
        {"name": "Gate", "description": "QR verification, checkout and checkin"},
        {"name": "Notifications", "description": "Per-user notification inbox"},
        {"name": "Dashboard", "description": "Role dashboards"},
        {"name": "Export", "description": "Pass history exports"},
        {"name": "Users", "description": "Admin user management"}
    ],
    "securityDefinitions": {
        "BearerAuth": {
            "type": "apiKey",
            "name": "Authorization",
            "in": "header"
        }
    },
    "paths": {
        "/auth/login": {
            "post": {
                "tags": ["Auth"],
                "summary": "Login with email and password",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/LoginRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid credentials"}
                }
            }
        },
        "/auth/register": {
            "post": {
                "tags": ["Auth"],
                "summary": "Register an account",
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/RegisterRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "Email already registered"}
                }
            }
        },
        "/auth/refresh": {
            "post": {
                "tags": ["Auth"],
                "summary": "Rotate the refresh token",
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "401": {"description": "Invalid refresh token"}
                }
            }
        },
        "/auth/logout": {
            "post": {
                "tags": ["Auth"],
                "summary": "Revoke the session",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "204": {"description": "No Content"}
                }
            }
        },
        "/auth/me": {
            "get": {
                "tags": ["Auth"],
                "summary": "Current user profile",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/passes": {
            "get": {
                "tags": ["Passes"],
                "summary": "List passes visible to the caller",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "category", "in": "query", "type": "string"},
                    {"name": "page", "in": "query", "type": "integer"},
                    {"name": "page_size", "in": "query", "type": "integer"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Passes"],
                "summary": "Submit a gate pass request",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/SubmitPassRequest"}}
                ],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "400": {"description": "Validation error"}
                }
            }
        },
        "/passes/{id}": {
            "get": {
                "tags": ["Passes"],
                "summary": "Fetch one pass with approval details",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "403": {"description": "Forbidden"},
                    "404": {"description": "Not found"}
                }
            }
        },
        "/passes/{id}/mentor-decision": {
            "post": {
                "tags": ["Passes"],
                "summary": "Mentor approval or rejection",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/DecisionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "State conflict"}
                }
            }
        },
        "/passes/{id}/hod-decision": {
            "post": {
                "tags": ["Passes"],
                "summary": "HOD approval or rejection",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "payload", "in": "body", "required": true, "schema": {"$ref": "#/definitions/DecisionRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "State conflict"}
                }
            }
        },
        "/passes/bulk-decision": {
            "post": {
                "tags": ["Passes"],
                "summary": "Apply one decision to several passes",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "Per-pass results", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/passes/{id}/cancel": {
            "post": {
                "tags": ["Passes"],
                "summary": "Cancel an own pass before departure",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "State conflict"}
                }
            }
        },
        "/passes/for-approval": {
            "get": {
                "tags": ["Passes"],
                "summary": "Passes awaiting the caller's decision",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/passes/active": {
            "get": {
                "tags": ["Gate"],
                "summary": "Passes currently checked out",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/passes/verify": {
            "post": {
                "tags": ["Gate"],
                "summary": "Verify a scanned QR token",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "Verification result", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "404": {"description": "Unknown token"},
                    "409": {"description": "State conflict for the requested action"},
                    "410": {"description": "Token expired"}
                }
            }
        },
        "/passes/checkout": {
            "post": {
                "tags": ["Gate"],
                "summary": "Record a gate checkout",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "State conflict"},
                    "410": {"description": "Token expired"}
                }
            }
        },
        "/passes/checkin": {
            "post": {
                "tags": ["Gate"],
                "summary": "Record a gate checkin",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}},
                    "409": {"description": "State conflict"}
                }
            }
        },
        "/passes/{id}/qr": {
            "get": {
                "tags": ["Gate"],
                "summary": "Fetch the gate token, optionally as a PDF slip",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "id", "in": "path", "required": true, "type": "string"},
                    {"name": "format", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "OK"},
                    "409": {"description": "Pass not approved"}
                }
            }
        },
        "/passes/stats/dashboard": {
            "get": {
                "tags": ["Dashboard"],
                "summary": "Role dashboard",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/passes/export": {
            "get": {
                "tags": ["Export"],
                "summary": "Generate a pass history export",
                "security": [{"BearerAuth": []}],
                "parameters": [
                    {"name": "format", "in": "query", "type": "string"},
                    {"name": "status", "in": "query", "type": "string"},
                    {"name": "from", "in": "query", "type": "string"},
                    {"name": "to", "in": "query", "type": "string"}
                ],
                "responses": {
                    "200": {"description": "Signed download link", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/export/{token}": {
            "get": {
                "tags": ["Export"],
                "summary": "Download a generated export",
                "parameters": [
                    {"name": "token", "in": "path", "required": true, "type": "string"}
                ],
                "responses": {
                    "200": {"description": "File stream"},
                    "410": {"description": "Link expired"}
                }
            }
        },
        "/notifications": {
            "get": {
                "tags": ["Notifications"],
                "summary": "List the caller's notifications",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/notifications/unread-count": {
            "get": {
                "tags": ["Notifications"],
                "summary": "Unread badge count",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        },
        "/users": {
            "get": {
                "tags": ["Users"],
                "summary": "List users",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            },
            "post": {
                "tags": ["Users"],
                "summary": "Create a user",
                "security": [{"BearerAuth": []}],
                "responses": {
                    "201": {"description": "Created", "schema": {"$ref": "#/definitions/ResponseEnvelope"}}
                }
            }
        }
    },
    "definitions": {
        "LoginRequest": {
            "type": "object",
            "required": ["email", "password"],
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string"}
            }
        },
        "RegisterRequest": {
            "type": "object",
            "required": ["email", "password", "full_name", "role", "department"],
            "properties": {
                "email": {"type": "string"},
                "password": {"type": "string"},
                "full_name": {"type": "string"},
                "role": {"type": "string", "enum": ["STUDENT", "MENTOR", "HOD", "SECURITY", "ADMIN"]},
                "department": {"type": "string"},
                "reg_no": {"type": "string"},
                "mentor_id": {"type": "string"},
                "year": {"type": "integer"},
                "section": {"type": "string"}
            }
        },
        "SubmitPassRequest": {
            "type": "object",
            "required": ["reason", "destination", "category", "departure_time", "expected_return_time"],
            "properties": {
                "reason": {"type": "string"},
                "destination": {"type": "string"},
                "category": {"type": "string", "enum": ["PERSONAL", "MEDICAL", "FAMILY", "ACADEMIC", "EMERGENCY", "OTHER"]},
                "priority": {"type": "string", "enum": ["LOW", "MEDIUM", "HIGH"]},
                "departure_time": {"type": "string", "format": "date-time"},
                "expected_return_time": {"type": "string", "format": "date-time"},
                "emergency_contact": {"type": "string"},
                "emergency_phone": {"type": "string"}
            }
        },
        "DecisionRequest": {
            "type": "object",
            "required": ["action"],
            "properties": {
                "action": {"type": "string", "enum": ["approve", "reject"]},
                "comments": {"type": "string"}
            }
        },
        "Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total_count": {"type": "integer"}
            }
        },
        "APIError": {
            "type": "object",
            "properties": {
                "code": {"type": "string"},
                "message": {"type": "string"},
                "status": {"type": "integer"}
            }
        },
        "ResponseEnvelope": {
            "type": "object",
            "properties": {
                "data": {"type": "object"},
                "error": {"$ref": "#/definitions/APIError"},
                "pagination": {"$ref": "#/definitions/Pagination"},
                "meta": {"type": "object"}
            }
        }
    }
}`

type swaggerDoc struct{}

// ReadDoc returns the Swagger document.
func (s *swaggerDoc) ReadDoc() string {
	return docTemplate
}

func init() {
	swag.Register(swag.Name, &swaggerDoc{})
}
