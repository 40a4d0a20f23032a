package command

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Registry returns all CLI commands keyed by "service action".
func Registry() map[string]Command {
	commands := []Command{
		{
			Service:      "auth",
			Action:       "register",
			Method:       "POST",
			PathTemplate: "/api/v1/auth/register",
			Fields: []Field{
				{Name: "username", Prompt: "username", Type: FieldString, Required: true},
				{Name: "email", Prompt: "email", Type: FieldString},
				{Name: "password", Prompt: "password", Type: FieldString, Required: true, Secret: true},
			},
		},
		{
			Service:      "auth",
			Action:       "login",
			Method:       "POST",
			PathTemplate: "/api/v1/auth/login",
			Fields: []Field{
				{Name: "username", Prompt: "username", Type: FieldString, Required: true},
				{Name: "password", Prompt: "password", Type: FieldString, Required: true, Secret: true},
			},
		},
		{
			Service:      "auth",
			Action:       "refresh",
			Method:       "POST",
			PathTemplate: "/api/v1/auth/refresh",
			Fields: []Field{
				{Name: "refresh_token", Prompt: "refresh_token", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "auth",
			Action:       "logout",
			Method:       "POST",
			PathTemplate: "/api/v1/auth/logout",
			Fields: []Field{
				{Name: "refresh_token", Prompt: "refresh_token", Type: FieldString, Required: true},
			},
		},
		{
			Service:      "submit",
			Action:       "create",
			Method:       "POST",
			PathTemplate: "/api/v1/submissions",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "problem_id", Prompt: "problem_id", Type: FieldInt64, Required: true},
				{Name: "language_id", Prompt: "language_id", Type: FieldInt64, Required: true},
				{Name: "code", Prompt: "code", Type: FieldString},
				{Name: "file", Prompt: "file", Type: FieldFile},
			},
		},
		{
			Service:      "submit",
			Action:       "get",
			Method:       "GET",
			PathTemplate: "/api/v1/submissions/:id",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "id", Prompt: "submission_id", Type: FieldInt64, Required: true},
			},
		},
		{
			Service:      "submit",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/submissions",
			RequiresAuth: true,
			Fields: []Field{
				{Name: "limit", Prompt: "limit", Type: FieldInt64},
				{Name: "offset", Prompt: "offset", Type: FieldInt64},
			},
		},
		{
			Service:      "language",
			Action:       "list",
			Method:       "GET",
			PathTemplate: "/api/v1/languages",
		},
	}

	result := make(map[string]Command, len(commands))
	for _, cmd := range commands {
		key := fmt.Sprintf("%s %s", cmd.Service, cmd.Action)
		result[key] = cmd
	}
	return result
}

// BuildRequest creates an HTTP request spec based on the command.
func BuildRequest(cmd Command, params Params) (RequestSpec, error) {
	path, err := buildPath(cmd, params)
	if err != nil {
		return RequestSpec{}, err
	}

	var body []byte
	if cmd.Method != "GET" && cmd.Method != "DELETE" {
		payload, err := buildPayload(cmd, params)
		if err != nil {
			return RequestSpec{}, err
		}
		if payload != nil {
			body, err = json.Marshal(payload)
			if err != nil {
				return RequestSpec{}, fmt.Errorf("marshal request body failed: %w", err)
			}
		}
	}

	return RequestSpec{
		Method: cmd.Method,
		Path:   path,
		Body:   body,
	}, nil
}

func buildPath(cmd Command, params Params) (string, error) {
	path := cmd.PathTemplate
	if strings.Contains(path, ":id") {
		value := params.Get("id")
		if value == "" {
			return "", fmt.Errorf("missing path parameter: id")
		}
		path = strings.ReplaceAll(path, ":id", value)
	}

	if cmd.Service == "submit" && cmd.Action == "list" {
		query := url.Values{}
		if params.Get("limit") != "" {
			query.Set("limit", params.Get("limit"))
		}
		if params.Get("offset") != "" {
			query.Set("offset", params.Get("offset"))
		}
		if len(query) > 0 {
			path += "?" + query.Encode()
		}
	}
	return path, nil
}

func buildPayload(cmd Command, params Params) (interface{}, error) {
	switch cmd.Service {
	case "auth":
		switch cmd.Action {
		case "register":
			payload := map[string]string{
				"username": params.Get("username"),
				"password": params.Get("password"),
			}
			if params.Get("email") != "" {
				payload["email"] = params.Get("email")
			}
			return payload, nil
		case "login":
			return map[string]string{
				"username": params.Get("username"),
				"password": params.Get("password"),
			}, nil
		case "refresh", "logout":
			return map[string]string{
				"refresh_token": params.Get("refresh_token"),
			}, nil
		}
	case "submit":
		if cmd.Action == "create" {
			return buildSubmitCreatePayload(params)
		}
	}
	return nil, nil
}

func buildSubmitCreatePayload(params Params) (interface{}, error) {
	problemID, err := ParseInt64(params.Get("problem_id"))
	if err != nil {
		return nil, fmt.Errorf("invalid problem_id: %w", err)
	}
	languageID, err := ParseInt64(params.Get("language_id"))
	if err != nil {
		return nil, fmt.Errorf("invalid language_id: %w", err)
	}

	code := params.Get("code")
	if code == "" && params.Get("file") != "" {
		code, err = ReadFile(params.Get("file"))
		if err != nil {
			return nil, err
		}
	}
	if code == "" {
		return nil, fmt.Errorf("code is required (inline or via file=)")
	}

	return map[string]interface{}{
		"problem_id":  problemID,
		"language_id": languageID,
		"code":        code,
	}, nil
}
