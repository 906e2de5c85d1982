// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package serializer provides output encoding for HTTP responses and
// operator-facing CLI output.
//
// # Overview
//
// RespondJSON writes a JSON response body to an http.ResponseWriter,
// buffering the encoding so a marshal failure never leaks a partial
// response with a 200 status already written.
//
// Writer renders arbitrary data to stdout in one of three formats:
//
// JSON:
//   - Machine-parseable, indented for readability
//   - encoding/json
//
// YAML:
//   - Human-readable, suitable for piping into files
//   - gopkg.in/yaml.v3
//
// Table:
//   - Flattened field/value listing via reflection
//   - Suitable for terminal viewing
//
// # Usage
//
//	w := serializer.NewStdoutWriter(serializer.FormatTable)
//	defer w.Close()
//
//	if err := w.Serialize(ctx, status); err != nil {
//	    log.Fatal(err)
//	}
//
// # Integration
//
// Used by:
//   - pkg/ctl - CLI output formatting (table/JSON/YAML)
//   - pkg/gpuapi - HTTP response encoding (RespondJSON)
package serializer
