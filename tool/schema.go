//
// Tencent is pleased to support the open source community by making consoul available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// consoul is licensed under the Apache License Version 2.0.
//
//

package tool

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"trpc.group/trpc-go/consoul/log"
)

// GenerateJSONSchema builds a Schema from a struct type by reflection.
// Field names come from json tags; non-pointer fields without omitempty are
// required. The jsonschema tag refines fields:
//
//	jsonschema:"description=xxx"
//	jsonschema:"enum=a,enum=b"
//	jsonschema:"required"
func GenerateJSONSchema(t reflect.Type) *Schema {
	if t == nil {
		return &Schema{Type: "object"}
	}
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return fieldSchema(t)
	}

	schema := &Schema{Type: "object", Properties: map[string]*Schema{}}
	var required []string

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() {
			continue
		}
		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" {
			continue
		}

		fieldName := field.Name
		isOmitEmpty := false
		if jsonTag != "" {
			if commaIdx := strings.Index(jsonTag, ","); commaIdx != -1 {
				fieldName = jsonTag[:commaIdx]
				isOmitEmpty = strings.Contains(jsonTag[commaIdx:], "omitempty")
			} else {
				fieldName = jsonTag
			}
		}

		fs := fieldSchema(field.Type)
		requiredByTag, err := applySchemaTag(field.Type, field.Tag, fs)
		if err != nil {
			log.Errorf("schema tag error for field %s: %v", fieldName, err)
		}
		if (field.Type.Kind() != reflect.Ptr && !isOmitEmpty) || requiredByTag {
			required = append(required, fieldName)
		}
		schema.Properties[fieldName] = fs
	}
	if len(required) > 0 {
		schema.Required = required
	}
	return schema
}

// fieldSchema maps one Go type to its schema.
func fieldSchema(t reflect.Type) *Schema {
	switch t.Kind() {
	case reflect.String:
		return &Schema{Type: "string"}
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Schema{Type: "integer"}
	case reflect.Float32, reflect.Float64:
		return &Schema{Type: "number"}
	case reflect.Bool:
		return &Schema{Type: "boolean"}
	case reflect.Slice, reflect.Array:
		return &Schema{Type: "array", Items: fieldSchema(t.Elem())}
	case reflect.Map:
		return &Schema{Type: "object", AdditionalProperties: fieldSchema(t.Elem())}
	case reflect.Ptr:
		return fieldSchema(t.Elem())
	case reflect.Struct:
		nested := &Schema{Type: "object", Properties: map[string]*Schema{}}
		for i := 0; i < t.NumField(); i++ {
			field := t.Field(i)
			if !field.IsExported() {
				continue
			}
			jsonTag := field.Tag.Get("json")
			if jsonTag == "-" {
				continue
			}
			fieldName := field.Name
			if jsonTag != "" {
				if commaIdx := strings.Index(jsonTag, ","); commaIdx != -1 {
					fieldName = jsonTag[:commaIdx]
				} else {
					fieldName = jsonTag
				}
			}
			nested.Properties[fieldName] = fieldSchema(field.Type)
		}
		return nested
	default:
		return &Schema{Type: "object"}
	}
}

// applySchemaTag applies the jsonschema struct tag to a field schema and
// reports whether the tag forces the field to be required.
func applySchemaTag(fieldType reflect.Type, tag reflect.StructTag, schema *Schema) (bool, error) {
	jsonSchemaTag := tag.Get("jsonschema")
	if len(jsonSchemaTag) == 0 {
		return false, nil
	}
	for fieldType.Kind() == reflect.Ptr {
		fieldType = fieldType.Elem()
	}

	requiredByTag := false
	for _, item := range strings.Split(jsonSchemaTag, ",") {
		kv := strings.SplitN(item, "=", 2)
		if len(kv) == 1 {
			if kv[0] == "required" {
				requiredByTag = true
			}
			continue
		}
		key, value := kv[0], kv[1]
		switch key {
		case "description":
			schema.Description = value
		case "enum":
			switch fieldType.Kind() {
			case reflect.String:
				schema.Enum = append(schema.Enum, value)
			case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
				reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
				v, err := strconv.ParseInt(value, 10, 64)
				if err != nil {
					return requiredByTag, fmt.Errorf("parse enum value %v as int64: %w", value, err)
				}
				schema.Enum = append(schema.Enum, v)
			case reflect.Float32, reflect.Float64:
				v, err := strconv.ParseFloat(value, 64)
				if err != nil {
					return requiredByTag, fmt.Errorf("parse enum value %v as float64: %w", value, err)
				}
				schema.Enum = append(schema.Enum, v)
			case reflect.Bool:
				v, err := strconv.ParseBool(value)
				if err != nil {
					return requiredByTag, fmt.Errorf("parse enum value %v as bool: %w", value, err)
				}
				schema.Enum = append(schema.Enum, v)
			default:
				return requiredByTag, fmt.Errorf("enum tag unsupported for field type %v", fieldType)
			}
		}
	}
	return requiredByTag, nil
}
