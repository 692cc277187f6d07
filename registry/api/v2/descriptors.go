package v2

// RouteDescriptor describes one route of the API: its mux name and the
// gorilla path template it matches.
type RouteDescriptor struct {
	// Name is the name of the route, as specified in RegisterRoute.
	Name string

	// Path is a gorilla/mux-compatible regexp that can be used to match the
	// route. For any incoming method and path, only one route descriptor
	// should match.
	Path string

	// Entity is the type or concept the route operates on.
	Entity string

	// Description should provide an accurate overview of the functionality
	// provided by the route.
	Description string
}

var routeDescriptors = []RouteDescriptor{
	{
		Name:        RouteNameBase,
		Path:        "/v2/",
		Entity:      "Base",
		Description: "Base V2 API route. Typically, this can be used for lightweight version checks and to validate registry authentication.",
	},
	{
		Name:        RouteNameAuthToken,
		Path:        "/v2/auth/token",
		Entity:      "Token",
		Description: "Exchange credentials for a scoped bearer token.",
	},
	{
		Name:        RouteNameAuthLogin,
		Path:        "/v2/auth/login",
		Entity:      "Session",
		Description: "Validate basic credentials and issue a bearer token.",
	},
	{
		Name:        RouteNameAuthRegister,
		Path:        "/v2/auth/register",
		Entity:      "User",
		Description: "Register a new user account.",
	},
	{
		Name:        RouteNameTags,
		Path:        "/v2/{name:" + RepositoryNameRegexp.String() + "}/tags/list",
		Entity:      "Tags",
		Description: "Retrieve information about tags, ordered lexically with optional pagination.",
	},
	{
		Name:        RouteNameTag,
		Path:        "/v2/{name:" + RepositoryNameRegexp.String() + "}/tags/{tag:" + TagNameRegexp.String() + "}",
		Entity:      "Tag",
		Description: "Remove a tag, leaving the manifest it pointed at in place.",
	},
	{
		Name:        RouteNameManifest,
		Path:        "/v2/{name:" + RepositoryNameRegexp.String() + "}/manifests/{reference:" + TagNameRegexp.String() + "|" + DigestRegexp.String() + "}",
		Entity:      "Manifest",
		Description: "Create, update, delete and retrieve manifests, identified by name and tag or digest.",
	},
	{
		Name:        RouteNameBlob,
		Path:        "/v2/{name:" + RepositoryNameRegexp.String() + "}/blobs/{digest:" + DigestRegexp.String() + "}",
		Entity:      "Blob",
		Description: "Operations on blobs identified by name and digest. Used to fetch or delete layers by digest.",
	},
	{
		Name:        RouteNameBlobUpload,
		Path:        "/v2/{name:" + RepositoryNameRegexp.String() + "}/blobs/uploads/",
		Entity:      "Initiate Blob Upload",
		Description: "Initiate a blob upload. This endpoint can be used to create resumable uploads, monolithic uploads or cross-repository mounts.",
	},
	{
		Name:        RouteNameBlobUploadChunk,
		Path:        "/v2/{name:" + RepositoryNameRegexp.String() + "}/blobs/uploads/{uuid:[a-zA-Z0-9-_.=]+}",
		Entity:      "Blob Upload",
		Description: "Interact with a blob upload: check status, append chunks, complete or cancel.",
	},
	{
		Name:        RouteNameRepositories,
		Path:        "/repositories",
		Entity:      "Repositories",
		Description: "List the repositories visible to the caller, with usage information.",
	},
	{
		Name:        RouteNameRepositoryCreate,
		Path:        "/repositories/{name:" + RepositoryNameRegexp.String() + "}/{public:true|false}",
		Entity:      "Repository",
		Description: "Create a repository with explicit visibility.",
	},
}
