// Package docs holds the OpenAPI document served at /swagger. It follows the
// layout swag init emits and is registered with swag on import.
package docs

import "github.com/swaggo/swag"

const docTemplate = `{
    "schemes": {{ marshal .Schemes }},
    "swagger": "2.0",
    "info": {
        "description": "{{escape .Description}}",
        "title": "{{.Title}}",
        "contact": {},
        "version": "{{.Version}}"
    },
    "host": "{{.Host}}",
    "basePath": "{{.BasePath}}",
    "paths": {
        "/subscriptions": {
            "post": {
                "description": "Stores a pending subscription and emails a confirmation link.",
                "consumes": ["application/x-www-form-urlencoded", "application/json"],
                "produces": ["application/json"],
                "tags": ["Subscriptions"],
                "summary": "Subscribe to the newsletter",
                "operationId": "subscribe",
                "parameters": [
                    {"description": "Subscriber", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.SubscribeRequest"}}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "string"}},
                    "400": {"description": "Invalid name or email", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "409": {"description": "Already subscribed", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/subscriptions/confirm": {
            "get": {
                "description": "Marks the subscriber owning the token as confirmed.",
                "produces": ["application/json"],
                "tags": ["Subscriptions"],
                "summary": "Confirm a subscription",
                "operationId": "confirmSubscription",
                "parameters": [
                    {"type": "string", "description": "Token from the confirmation email", "name": "subscription_token", "in": "query", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"type": "string"}},
                    "400": {"description": "Missing token", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unknown token", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/admin/newsletters": {
            "get": {
                "security": [{"BasicAuth": []}],
                "description": "Newest first. Supports a weak ETag via If-None-Match.",
                "produces": ["application/json"],
                "tags": ["Newsletters"],
                "summary": "List published issues (paginated)",
                "operationId": "listNewsletters",
                "parameters": [
                    {"type": "string", "description": "Return 304 if ETag matches", "name": "If-None-Match", "in": "header"},
                    {"minimum": 1, "type": "integer", "default": 1, "description": "Page number", "name": "page", "in": "query"},
                    {"maximum": 100, "minimum": 1, "type": "integer", "default": 20, "description": "Items per page", "name": "page_size", "in": "query"}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/handlers.ListIssuesResponse"}, "headers": {"ETag": {"type": "string", "description": "Weak ETag for the issue set"}}},
                    "304": {"description": "Not Modified", "schema": {"type": "string"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            },
            "post": {
                "security": [{"BasicAuth": []}],
                "description": "Stores the issue and queues one delivery per confirmed subscriber. Requires an Idempotency-Key; a retry with the same key returns the first response with Idempotency-Replayed: true.",
                "consumes": ["application/json"],
                "produces": ["application/json"],
                "tags": ["Newsletters"],
                "summary": "Publish a newsletter issue",
                "operationId": "publishNewsletter",
                "parameters": [
                    {"type": "string", "example": "publish-2024-05-01", "description": "Idempotency key (1-50 chars of A-Z a-z 0-9 _ -)", "name": "Idempotency-Key", "in": "header", "required": true},
                    {"description": "Issue content", "name": "body", "in": "body", "required": true, "schema": {"$ref": "#/definitions/handlers.PublishRequest"}}
                ],
                "responses": {
                    "202": {"description": "Accepted", "schema": {"$ref": "#/definitions/services.PublishResult"}, "headers": {"Idempotency-Replayed": {"type": "string", "description": "true when served from a saved response"}}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        },
        "/admin/newsletters/{id}": {
            "get": {
                "security": [{"BasicAuth": []}],
                "description": "Returns the issue and how many deliveries are still queued.",
                "produces": ["application/json"],
                "tags": ["Newsletters"],
                "summary": "Get an issue",
                "operationId": "getNewsletter",
                "parameters": [
                    {"type": "string", "format": "uuid", "description": "Issue ID (UUID)", "name": "id", "in": "path", "required": true}
                ],
                "responses": {
                    "200": {"description": "OK", "schema": {"$ref": "#/definitions/services.IssueDetail"}},
                    "400": {"description": "Bad request", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "401": {"description": "Unauthorized", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "404": {"description": "Issue not found", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}},
                    "500": {"description": "Internal error", "schema": {"$ref": "#/definitions/handlers.ErrorResponse"}}
                }
            }
        }
    },
    "definitions": {
        "domain.Issue": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "title": {"type": "string"},
                "html_content": {"type": "string"},
                "text_content": {"type": "string"},
                "published_at": {"type": "string"}
            }
        },
        "handlers.ErrorResponse": {
            "type": "object",
            "properties": {
                "request_id": {"type": "string", "example": "123e4567-e89b-12d3-a456-426614174000"},
                "code": {"type": "string", "example": "not_found"},
                "message": {"type": "string", "example": "resource not found"}
            }
        },
        "handlers.Pagination": {
            "type": "object",
            "properties": {
                "page": {"type": "integer"},
                "page_size": {"type": "integer"},
                "total": {"type": "integer"},
                "total_pages": {"type": "integer"},
                "has_next": {"type": "boolean"}
            }
        },
        "handlers.ListIssuesResponse": {
            "type": "object",
            "properties": {
                "issues": {"type": "array", "items": {"$ref": "#/definitions/domain.Issue"}},
                "pagination": {"$ref": "#/definitions/handlers.Pagination"}
            }
        },
        "handlers.PublishContent": {
            "type": "object",
            "properties": {
                "html": {"type": "string"},
                "text": {"type": "string"}
            }
        },
        "handlers.PublishRequest": {
            "type": "object",
            "properties": {
                "title": {"type": "string", "example": "Issue #42"},
                "html": {"type": "string", "example": "<p>Hello</p>"},
                "text": {"type": "string", "example": "Hello"},
                "content": {"$ref": "#/definitions/handlers.PublishContent"},
                "recipients": {"type": "array", "items": {"type": "string"}}
            }
        },
        "handlers.SubscribeRequest": {
            "type": "object",
            "properties": {
                "email": {"type": "string", "example": "ursula_le_guin@gmail.com"},
                "name": {"type": "string", "example": "le guin"}
            }
        },
        "services.IssueDetail": {
            "type": "object",
            "properties": {
                "id": {"type": "string"},
                "title": {"type": "string"},
                "html_content": {"type": "string"},
                "text_content": {"type": "string"},
                "published_at": {"type": "string"},
                "pending_deliveries": {"type": "integer"}
            }
        },
        "services.PublishResult": {
            "type": "object",
            "properties": {
                "issue_id": {"type": "string"},
                "recipients": {"type": "integer"}
            }
        }
    },
    "securityDefinitions": {
        "BasicAuth": {"type": "basic"}
    }
}`

// SwaggerInfo holds exported Swagger Info so clients can modify it
var SwaggerInfo = &swag.Spec{
	Version:          "1.0",
	Host:             "",
	BasePath:         "/api/v1",
	Schemes:          []string{},
	Title:            "Newsletter API",
	Description:      "Subscriptions, idempotent issue publishing and delivery status.",
	InfoInstanceName: "swagger",
	SwaggerTemplate:  docTemplate,
	LeftDelim:        "{{",
	RightDelim:       "}}",
}

func init() {
	swag.Register(SwaggerInfo.InstanceName(), SwaggerInfo)
}
