// Package builtins describes the runtime globals the sandbox installs, so
// an external discovery surface (the MCP layer's tool listing) can present
// them to an agent alongside the manifest-derived sdk functions.
package builtins

// Function is one built-in runtime global visible to the agent.
type Function struct {
	Name       string
	Summary    string
	Annotation string
	IOOnly     bool
}

const luauDescription = "Built-in runtime globals: I/O, JSON, logging. Standard Lua libraries (string, table, math) are also available."

// Description describes the built-in surface as a whole, for the entry
// naming it in a function-discovery listing.
func Description() string {
	return luauDescription
}

var all = []Function{
	{
		Name:    "io.open",
		Summary: "Open a file for reading, writing, or appending",
		Annotation: `-- Open a file for reading, writing, or appending.
-- Paths are relative to the I/O directory. Path traversal ('..') is rejected.
-- Modes: "r" (default), "w", "a", "rb", "wb", "ab".
-- Returns a file handle on success, or raises an error.
--
-- File handle methods:
--   handle:read(fmt?) -- "*a" (all), "*l" (line, default), "*n" (number)
--   handle:write(data...) -- returns handle for chaining
--   handle:close() -- returns true
--   handle:seek(whence?, offset?) -- "set", "cur", "end"
--   handle:flush() -- flush write buffer
--   handle:lines() -- line iterator
function io.open(path: string, mode: string?): file_handle end`,
		IOOnly: true,
	},
	{
		Name:    "io.lines",
		Summary: "Iterate over lines in a file",
		Annotation: `-- Iterate over lines in a file. Auto-closes at EOF.
-- Paths are relative to the I/O directory.
--
-- Usage: for line in io.lines("data.csv") do ... end
function io.lines(path: string): () -> string? end`,
		IOOnly: true,
	},
	{
		Name:    "io.list",
		Summary: "List directory entries",
		Annotation: `-- List file and directory names in a directory.
-- Paths are relative to the I/O directory. Defaults to the root I/O directory.
-- Returns an array of entry names (not full paths). Does not recurse.
function io.list(path: string?): {string} end`,
		IOOnly: true,
	},
	{
		Name:    "io.type",
		Summary: "Check if a value is a file handle",
		Annotation: `-- Check if a value is a file handle.
-- Returns "file" for an open handle, "closed file" for a closed handle, or nil.
function io.type(obj: any): string? end`,
		IOOnly: true,
	},
	{
		Name:    "json.encode",
		Summary: "Serialize a Lua value to a JSON string",
		Annotation: `-- Serialize a Lua value (table, string, number, boolean, nil) to a JSON string.
function json.encode(value: any): string end`,
		IOOnly: false,
	},
	{
		Name:    "json.decode",
		Summary: "Parse a JSON string into a Lua value",
		Annotation: `-- Parse a JSON string into a Lua value.
-- Returns tables for objects/arrays, strings, numbers, booleans, or nil.
function json.decode(str: string): any end`,
		IOOnly: false,
	},
	{
		Name:    "print",
		Summary: "Log output (captured in response, not written to stdout)",
		Annotation: `-- Log output. Arguments are converted to strings and joined with tabs.
-- Output is captured and returned in the 'logs' array of the response.
-- Not written to stdout.
function print(...: any) end`,
		IOOnly: false,
	},
	{
		Name:    "os.remove",
		Summary: "Delete a file in the I/O directory",
		Annotation: `-- Delete a file. Paths are relative to the I/O directory.
-- Cannot delete directories. Raises an error on failure.
function os.remove(path: string): true end`,
		IOOnly: true,
	},
	{
		Name:    "os.clock",
		Summary: "Wall-clock time in seconds",
		Annotation: `-- Returns the wall-clock time in seconds (with fractional part).
-- Useful for measuring elapsed time within a script.
function os.clock(): number end`,
		IOOnly: false,
	},
}

// Builtins returns the built-in functions visible for a given execution,
// filtered to the non-IO subset when ioEnabled is false.
func Builtins(ioEnabled bool) []Function {
	out := make([]Function, 0, len(all))
	for _, f := range all {
		if ioEnabled || !f.IOOnly {
			out = append(out, f)
		}
	}
	return out
}
